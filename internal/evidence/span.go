// Package evidence models redacted evidence spans: the only form in which
// message text leaves a stage. A span carries a bounded snippet, its digest,
// and the offsets into the canonical source text, so verification can replay
// the substring check without access to the raw message.
package evidence

import (
	"intake/internal/determinism"
)

// Source names the canonical text a span points into.
type Source string

const (
	SourceSubject    Source = "SUBJECT_C14N"
	SourceBody       Source = "BODY_C14N"
	SourceAttachment Source = "ATTACHMENT_TEXT_C14N"
)

// MaxSnippetBytes bounds snippets stored in artifacts and audit events.
const MaxSnippetBytes = 200

// Span is one redacted evidence reference.
type Span struct {
	Source          Source `json:"source" validate:"required,oneof=SUBJECT_C14N BODY_C14N ATTACHMENT_TEXT_C14N"`
	AttachmentID    string `json:"attachment_id,omitempty"`
	Start           int    `json:"start" validate:"min=0"`
	End             int    `json:"end" validate:"gtefield=Start"`
	SnippetRedacted string `json:"snippet_redacted" validate:"max=200"`
	SnippetSHA256   string `json:"snippet_sha256" validate:"required"`
}

// NewSpan cuts [start,end) out of text and stamps the digest. The snippet is
// truncated to MaxSnippetBytes; the digest always covers the stored snippet.
func NewSpan(source Source, text string, start, end int) Span {
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if end < start {
		end = start
	}
	snippet := text[start:end]
	if len(snippet) > MaxSnippetBytes {
		snippet = snippet[:MaxSnippetBytes]
	}
	return Span{
		Source:          source,
		Start:           start,
		End:             end,
		SnippetRedacted: snippet,
		SnippetSHA256:   determinism.SHA256Text(snippet),
	}
}

// VerifyAgainst reports whether the span's snippet is the verbatim substring
// of text at the stated offsets and the stored digest matches it.
func (s Span) VerifyAgainst(text string) bool {
	if s.Start < 0 || s.End > len(text) || s.End < s.Start {
		return false
	}
	sub := text[s.Start:s.End]
	if len(sub) > MaxSnippetBytes {
		sub = sub[:MaxSnippetBytes]
	}
	if sub != s.SnippetRedacted {
		return false
	}
	return determinism.SHA256Text(s.SnippetRedacted) == s.SnippetSHA256
}

// Canonical returns the hash-input form of the span: offsets and digest only,
// never the snippet text itself.
func (s Span) Canonical() map[string]any {
	return map[string]any{
		"source":         string(s.Source),
		"start":          s.Start,
		"end":            s.End,
		"snippet_sha256": s.SnippetSHA256,
	}
}

// CanonicalSpans maps a span list into hash-input form.
func CanonicalSpans(spans []Span) []any {
	out := make([]any, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Canonical())
	}
	return out
}
