// Package extract produces the entity-extraction artifact: deterministic
// pattern extraction, strict validation of LLM proposals, and the sensitive
// value policy (bank details and ID documents are stored redacted, never in
// audit snippets).
package extract

import (
	"math/big"
	"regexp"
	"strings"
)

var (
	policyNumberRe   = regexp.MustCompile(`\b(?:pol-\d{4}-\d{8}|\d{2}-\d{7})\b`)
	claimNumberRe    = regexp.MustCompile(`\bclm-\d{4}-\d{4,6}\b`)
	customerNumberRe = regexp.MustCompile(`\bkd-\d{6,8}\b`)
	dateRe           = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	locationRe       = regexp.MustCompile(`\bort:\s+([a-zäöüß\-]{2,})\b`)
	ibanRe           = regexp.MustCompile(`(?i)\b[a-z]{2}\d{2}[a-z0-9]{10,30}\b`)
)

// ValidIBAN runs the ISO 13616 mod-97 check; the pattern alone admits far
// too much.
func ValidIBAN(iban string) bool {
	s := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var sb strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(sb.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

// RedactIBAN keeps the first and last four characters; the middle is elided.
// The full value only ever exists as its digest.
func RedactIBAN(iban string) string {
	v := strings.TrimSpace(iban)
	if len(v) <= 8 {
		return v
	}
	return strings.ToLower(v[:4]) + "…" + strings.ToLower(v[len(v)-4:])
}

// ValidPolicyNumber / ValidClaimNumber / ValidCustomerNumber vet LLM-proposed
// identifier values against the deterministic shapes.
func ValidPolicyNumber(s string) bool   { return policyNumberRe.MatchString(strings.ToLower(s)) }
func ValidClaimNumber(s string) bool    { return claimNumberRe.MatchString(strings.ToLower(s)) }
func ValidCustomerNumber(s string) bool { return customerNumberRe.MatchString(strings.ToLower(s)) }
