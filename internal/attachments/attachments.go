// Package attachments models attachment artifacts: AV status stamping, text
// extraction gating, and the canonical attachment ordering used everywhere an
// attachment list is hashed or displayed.
package attachments

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/normalize"
	"intake/pkg/fault"
)

// AVStatus is stamped by the scanner before any downstream use.
type AVStatus string

const (
	AVClean      AVStatus = "CLEAN"
	AVInfected   AVStatus = "INFECTED"
	AVSuspicious AVStatus = "SUSPICIOUS"
	AVFailed     AVStatus = "FAILED"
)

func (s AVStatus) IsValid() bool {
	switch s {
	case AVClean, AVInfected, AVSuspicious, AVFailed:
		return true
	}
	return false
}

// Blocking reports whether the status forces the security override.
func (s AVStatus) Blocking() bool { return s == AVInfected || s == AVSuspicious }

// Artifact is the per-attachment stage output; written once per attachment.
type Artifact struct {
	SchemaID            string   `json:"schema_id" validate:"required"`
	AttachmentID        string   `json:"attachment_id" validate:"required"`
	MessageID           string   `json:"message_id" validate:"required"`
	Filename            string   `json:"filename"`
	MimeType            string   `json:"mime_type"`
	SHA256              string   `json:"sha256" validate:"required,prefixed_sha256"`
	SizeBytes           int      `json:"size_bytes" validate:"min=0"`
	AVStatus            AVStatus `json:"av_status" validate:"required,oneof=CLEAN INFECTED SUSPICIOUS FAILED"`
	ScannerVersion      string   `json:"scanner_version,omitempty"`
	ExtractedTextSHA256 string   `json:"extracted_text_sha256,omitempty"`
	ExtractedTextC14N   string   `json:"extracted_text_c14n,omitempty"`
	OCRApplied          bool     `json:"ocr_applied"`
	OCRConfidence       float64  `json:"ocr_confidence,omitempty"`
}

// Scanner is the AV scanner port.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (status AVStatus, scannerVersion string, err error)
}

// TextExtractor is the text/OCR port.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (text string, confidence float64, err error)
}

// Raw is an attachment as handed over by the ingest adapter.
type Raw struct {
	SourceAttachmentID string
	Filename           string
	MimeType           string
	Data               []byte
}

// DeriveID keeps source-provided UUIDs and otherwise derives a stable v5-style
// id from the message, the source id, and the content digest.
func DeriveID(messageID, sourceAttachmentID, sha256 string) string {
	if _, err := uuid.Parse(sourceAttachmentID); err == nil {
		return sourceAttachmentID
	}
	name := "att:" + messageID + ":" + sourceAttachmentID + ":" + sha256
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Process scans and, for CLEAN attachments only, extracts canonical text.
// INFECTED/SUSPICIOUS content is never parsed further; FAILED scans are kept
// but treated as unusable for identity or classification evidence.
func Process(ctx context.Context, messageID string, raw Raw, sha256 string, scanner Scanner, extractor TextExtractor) (Artifact, error) {
	status, scannerVersion, err := scanner.Scan(ctx, raw.Data)
	if err != nil {
		return Artifact{}, fault.Wrap(err, fault.KindDependencyUnavailable,
			string(canonical.StageAttachments), "av_scanner_unavailable", "scan attachment")
	}
	if !status.IsValid() {
		return Artifact{}, fault.New(fault.KindValidation,
			string(canonical.StageAttachments), "av_status_invalid", "scanner returned unknown status")
	}

	art := Artifact{
		SchemaID:       canonical.SchemaAttachment,
		AttachmentID:   DeriveID(messageID, raw.SourceAttachmentID, sha256),
		MessageID:      messageID,
		Filename:       raw.Filename,
		MimeType:       raw.MimeType,
		SHA256:         sha256,
		SizeBytes:      len(raw.Data),
		AVStatus:       status,
		ScannerVersion: scannerVersion,
	}

	if status == AVClean && extractor != nil {
		text, confidence, err := extractor.Extract(ctx, raw.Data, raw.MimeType)
		if err != nil {
			return Artifact{}, fault.Wrap(err, fault.KindDependencyUnavailable,
				string(canonical.StageAttachments), "text_extractor_unavailable", "extract attachment text")
		}
		if text != "" {
			c14n := normalize.CanonicalText(text)
			art.ExtractedTextC14N = c14n
			art.ExtractedTextSHA256 = determinism.SHA256Text(c14n)
			art.OCRApplied = !strings.HasPrefix(raw.MimeType, "text/")
			art.OCRConfidence = confidence
		}
	}
	return art, nil
}

// SortCanonical orders attachments by (sha256, filename); the canonical list
// order wherever attachments are hashed or enumerated.
func SortCanonical(arts []Artifact) {
	sort.Slice(arts, func(i, j int) bool {
		if arts[i].SHA256 != arts[j].SHA256 {
			return arts[i].SHA256 < arts[j].SHA256
		}
		return arts[i].Filename < arts[j].Filename
	})
}

// CleanTexts returns the canonical extracted texts of CLEAN attachments, in
// canonical order. Identity and classification read attachment text only
// through this.
func CleanTexts(arts []Artifact) []string {
	sorted := append([]Artifact(nil), arts...)
	SortCanonical(sorted)
	var out []string
	for _, a := range sorted {
		if a.AVStatus == AVClean && a.ExtractedTextC14N != "" {
			out = append(out, a.ExtractedTextC14N)
		}
	}
	return out
}

// HasBlocking reports whether any attachment carries a blocking AV status.
func HasBlocking(arts []Artifact) bool {
	for _, a := range arts {
		if a.AVStatus.Blocking() {
			return true
		}
	}
	return false
}
