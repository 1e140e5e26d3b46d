// Package normalize turns raw MIME bytes into the NormalizedMessage artifact:
// canonical subject/body text, sender/recipient addresses, thread keys, and
// the message fingerprint every decision hash is bound to.
package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	collapseRe = regexp.MustCompile(`\s+`)
	// Quoted-reply boundaries recognized deterministically: classic quote
	// prefixes and the common German/English reply headers.
	replyBoundaryRe = regexp.MustCompile(`(?mi)^(>|-{2,}\s*(original message|ursprüngliche nachricht)|am .{0,60} schrieb .*:|on .{0,60} wrote:)`)
)

// CanonicalText is the evidence-bearing canonical form: Unicode NFC plus
// lowercasing, nothing else, so offsets into it are stable and snippets are
// verbatim substrings.
func CanonicalText(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// FingerprintText is the stricter form used only for fingerprinting: quoted
// replies stripped at the first boundary, whitespace collapsed.
func FingerprintText(s string) string {
	c := CanonicalText(s)
	if loc := replyBoundaryRe.FindStringIndex(c); loc != nil {
		c = c[:loc[0]]
	}
	return strings.TrimSpace(collapseRe.ReplaceAllString(c, " "))
}

// StripTrailingNewlines removes trailing CR/LF without touching offsets of
// the preserved prefix.
func StripTrailingNewlines(s string) string {
	return strings.TrimRight(s, "\r\n")
}
