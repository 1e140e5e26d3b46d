// Package email derives human-comparable names from addresses. Identity
// resolution uses this when a sender carries no display name, so the fuzzy
// signature matcher still has something to compare against directory records.
package email

import (
	"strings"
	"unicode"
)

// DeriveNameFromEmail splits the local part on common separators and returns
// (first, last). Unknown shapes fall back to "User".
func DeriveNameFromEmail(email string) (string, string) {
	localPart := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		localPart = email[:at]
	}

	parts := strings.FieldsFunc(localPart, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})

	if len(parts) == 0 {
		return "User", "User"
	}

	first := capitalize(parts[0])
	last := "User"
	if len(parts) > 1 {
		last = capitalize(parts[len(parts)-1])
	}

	return first, last
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
