package normalize

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"sort"
	"strings"
	"time"

	"intake/internal/canonical"
	"intake/internal/canonical/jcs"
	"intake/internal/determinism"
	"intake/pkg/fault"
)

// ThreadKeys carries the linkage headers used as identity signals.
type ThreadKeys struct {
	InternetMessageID string `json:"internet_message_id,omitempty"`
	InReplyTo         string `json:"in_reply_to,omitempty"`
	ConversationID    string `json:"conversation_id,omitempty"`
}

// Message is the normalized-message artifact: one per message, immutable
// after normalization.
type Message struct {
	SchemaID        string     `json:"schema_id" validate:"required"`
	MessageID       string     `json:"message_id" validate:"required"`
	RunID           string     `json:"run_id" validate:"required"`
	IngestedAt      time.Time  `json:"ingested_at" validate:"required"`
	ReceivedAt      time.Time  `json:"received_at" validate:"required"`
	IngestionSource string     `json:"ingestion_source" validate:"required"`
	RawMIMEURI      string     `json:"raw_mime_uri" validate:"required"`
	RawMIMESHA256   string     `json:"raw_mime_sha256" validate:"required,prefixed_sha256"`
	FromEmail       string     `json:"from_email" validate:"required"`
	FromDisplayName string     `json:"from_display_name,omitempty"`
	ReplyToEmail    string     `json:"reply_to_email,omitempty"`
	ToEmails        []string   `json:"to_emails" validate:"required,min=1"`
	CcEmails        []string   `json:"cc_emails,omitempty"`
	Subject         string     `json:"subject"`
	SubjectC14N     string     `json:"subject_c14n"`
	BodyText        string     `json:"body_text"`
	BodyTextC14N    string     `json:"body_text_c14n"`
	Language        string     `json:"language" validate:"required"`
	ThreadKeys      ThreadKeys `json:"thread_keys"`
	AttachmentIDs   []string   `json:"attachment_ids"`
	Fingerprint     string     `json:"message_fingerprint" validate:"required,prefixed_sha256"`
}

// Input bundles what the normalizer needs beyond the raw bytes.
type Input struct {
	RawMIME         []byte
	MessageID       string
	RunID           string
	IngestedAt      time.Time
	ReceivedAt      time.Time
	IngestionSource string
	RawMIMEURI      string
	RawMIMESHA256   string
	AttachmentIDs   []string
}

// Build parses and normalizes one message. A message that cannot be parsed
// into the required fields is a validation fault; the orchestrator fails the
// run closed.
func Build(in Input) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(in.RawMIME))
	if err != nil {
		return nil, fault.Wrap(err, fault.KindValidation, string(canonical.StageNormalize),
			"mime_parse_failed", "parse raw MIME")
	}

	fromEmail, fromName, err := parseSingleAddress(msg.Header.Get("From"))
	if err != nil || fromEmail == "" {
		return nil, fault.New(fault.KindValidation, string(canonical.StageNormalize),
			"missing_from_address", "missing From address")
	}
	toEmails := parseAddressList(msg.Header.Get("To"))
	if len(toEmails) == 0 {
		return nil, fault.New(fault.KindValidation, string(canonical.StageNormalize),
			"missing_to_address", "missing To address")
	}
	ccEmails := parseAddressList(msg.Header.Get("Cc"))
	replyTo, _, _ := parseSingleAddress(msg.Header.Get("Reply-To"))

	subject := decodeHeader(msg.Header.Get("Subject"))
	bodyText, err := extractBodyText(msg)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindValidation, string(canonical.StageNormalize),
			"body_extract_failed", "extract plain-text body")
	}
	bodyText = StripTrailingNewlines(bodyText)

	subjectC14N := CanonicalText(subject)
	bodyC14N := CanonicalText(bodyText)

	threads := ThreadKeys{
		InternetMessageID: msg.Header.Get("Message-ID"),
		InReplyTo:         msg.Header.Get("In-Reply-To"),
	}

	out := &Message{
		SchemaID:        canonical.SchemaNormalizedMessage,
		MessageID:       in.MessageID,
		RunID:           in.RunID,
		IngestedAt:      in.IngestedAt.UTC().Truncate(time.Second),
		ReceivedAt:      in.ReceivedAt.UTC().Truncate(time.Second),
		IngestionSource: in.IngestionSource,
		RawMIMEURI:      in.RawMIMEURI,
		RawMIMESHA256:   in.RawMIMESHA256,
		FromEmail:       fromEmail,
		FromDisplayName: fromName,
		ReplyToEmail:    replyTo,
		ToEmails:        toEmails,
		CcEmails:        ccEmails,
		Subject:         subject,
		SubjectC14N:     subjectC14N,
		BodyText:        bodyText,
		BodyTextC14N:    bodyC14N,
		Language:        detectLanguage(subjectC14N, bodyC14N),
		ThreadKeys:      threads,
		AttachmentIDs:   in.AttachmentIDs,
	}
	out.Fingerprint = fingerprint(out)
	return out, nil
}

// fingerprint hashes the canonical member set of the message. Attachment ids
// and recipient lists are sorted so ordering never leaks into the digest.
func fingerprint(m *Message) string {
	obj := map[string]any{
		"attachment_ids":      sortedCopy(m.AttachmentIDs),
		"body_text_c14n":      FingerprintText(m.BodyText),
		"cc_emails":           sortedCopy(m.CcEmails),
		"from_email":          m.FromEmail,
		"in_reply_to":         m.ThreadKeys.InReplyTo,
		"internet_message_id": m.ThreadKeys.InternetMessageID,
		"subject_c14n":        m.SubjectC14N,
		"to_emails":           sortedCopy(m.ToEmails),
	}
	return determinism.SHA256(jcs.MustBytes(obj))
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

var germanMarkers = []string{"guten tag", "bitte", "schaden", "polizz", "kündig", "rechnung", "sehr geehrte"}

// detectLanguage is a deterministic marker check that returns only "de" or
// "en"; anything not recognizably German falls back to English. It never
// reports an unsupported language, so the prescan's unsupported-language flag
// does not fire for messages normalized here.
func detectLanguage(subjectC14N, bodyC14N string) string {
	text := subjectC14N + " " + bodyC14N
	for _, m := range germanMarkers {
		if strings.Contains(text, m) {
			return "de"
		}
	}
	return "en"
}

func parseSingleAddress(value string) (email, name string, err error) {
	if value == "" {
		return "", "", nil
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(addr.Address), strings.TrimSpace(addr.Name), nil
}

func parseAddressList(value string) []string {
	if value == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if e := strings.TrimSpace(a.Address); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func decodeHeader(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// extractBodyText returns the first text/plain part, walking one level of
// multipart nesting. Non-text messages yield an empty body, which is valid:
// classification then runs on the subject alone.
func extractBodyText(msg *mail.Message) (string, error) {
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		data, err := io.ReadAll(msg.Body)
		return string(data), err
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	switch {
	case mediaType == "text/plain":
		data, err := io.ReadAll(msg.Body)
		return string(data), err
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := multipart.NewReader(msg.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if err != nil {
				continue
			}
			if partType == "text/plain" {
				data, err := io.ReadAll(part)
				return string(data), err
			}
		}
	default:
		return "", nil
	}
}

// VerifyRawMIME re-reads and re-hashes the stored raw bytes against the
// normalized message's recorded digest; replay refuses to run on drift.
func VerifyRawMIME(m *Message, raw []byte) error {
	if actual := determinism.SHA256(raw); actual != m.RawMIMESHA256 {
		return fault.New(fault.KindIntegrity, string(canonical.StageNormalize),
			"raw_mime_digest_mismatch",
			fmt.Sprintf("raw mime sha256 mismatch: %s != %s", actual, m.RawMIMESHA256))
	}
	return nil
}
