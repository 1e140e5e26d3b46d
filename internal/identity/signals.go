package identity

import (
	"regexp"
	"strings"

	"intake/internal/evidence"
)

// Identifier patterns over canonical (lowercased) text. Values are
// uppercased before directory lookups so the canonical form is stable.
var (
	policyNumberRe       = regexp.MustCompile(`\bpol-\d{4}-\d{8}\b`)
	policyNumberBareRe   = regexp.MustCompile(`\b\d{2}-\d{7}\b`)
	policyNumberPrefixRe = regexp.MustCompile(`\bpolizzennr\s+(\d{2}-\d{7})\b`)
	claimNumberRe        = regexp.MustCompile(`\bclm-\d{4}-\d{4,6}\b`)
	customerNumberRe     = regexp.MustCompile(`\bkd-\d{6,8}\b`)
)

// IdentifierKind labels what a hit claims to be.
type IdentifierKind string

const (
	KindPolicyNumber   IdentifierKind = "POLICY_NUMBER"
	KindClaimNumber    IdentifierKind = "CLAIM_NUMBER"
	KindCustomerNumber IdentifierKind = "CUSTOMER_NUMBER"
)

// IdentifierHit is a validated identifier occurrence with its evidence span.
type IdentifierHit struct {
	Kind  IdentifierKind
	Value string
	Span  evidence.Span
}

// ValidPolicyNumber reports whether s matches a known policy number shape.
// Used both for extracted hits and to vet LLM-assist proposals.
func ValidPolicyNumber(s string) bool {
	s = strings.ToLower(s)
	return policyNumberRe.MatchString(s) || policyNumberBareRe.MatchString(s)
}

// ValidClaimNumber reports whether s matches the claim number shape.
func ValidClaimNumber(s string) bool {
	return claimNumberRe.MatchString(strings.ToLower(s))
}

// ValidCustomerNumber reports whether s matches the customer number shape.
func ValidCustomerNumber(s string) bool {
	return customerNumberRe.MatchString(strings.ToLower(s))
}

// FindClaimNumber returns the first claim-number hit, subject first.
func FindClaimNumber(subjectC14N, bodyC14N string) *IdentifierHit {
	if loc := claimNumberRe.FindStringIndex(subjectC14N); loc != nil {
		return hit(KindClaimNumber, subjectC14N[loc[0]:loc[1]], evidence.SourceSubject, subjectC14N, loc)
	}
	if loc := claimNumberRe.FindStringIndex(bodyC14N); loc != nil {
		return hit(KindClaimNumber, bodyC14N[loc[0]:loc[1]], evidence.SourceBody, bodyC14N, loc)
	}
	return nil
}

// FindPolicyNumber returns the first policy-number hit. A number seen in the
// subject is re-anchored to the body when it also occurs there, so evidence
// points at the richer context.
func FindPolicyNumber(subjectC14N, bodyC14N string) *IdentifierHit {
	for _, re := range []*regexp.Regexp{policyNumberRe, policyNumberBareRe} {
		if loc := re.FindStringIndex(subjectC14N); loc != nil {
			number := subjectC14N[loc[0]:loc[1]]
			if idx := strings.Index(bodyC14N, number); idx != -1 {
				return hit(KindPolicyNumber, number, evidence.SourceBody, bodyC14N, []int{idx, idx + len(number)})
			}
			return hit(KindPolicyNumber, number, evidence.SourceSubject, subjectC14N, loc)
		}
	}
	if m := policyNumberPrefixRe.FindStringSubmatchIndex(bodyC14N); m != nil {
		return hit(KindPolicyNumber, bodyC14N[m[2]:m[3]], evidence.SourceBody, bodyC14N, []int{m[0], m[1]})
	}
	for _, re := range []*regexp.Regexp{policyNumberRe, policyNumberBareRe} {
		if loc := re.FindStringIndex(bodyC14N); loc != nil {
			return hit(KindPolicyNumber, bodyC14N[loc[0]:loc[1]], evidence.SourceBody, bodyC14N, loc)
		}
	}
	return nil
}

// FindCustomerNumber returns the first customer-number hit.
func FindCustomerNumber(subjectC14N, bodyC14N string) *IdentifierHit {
	if loc := customerNumberRe.FindStringIndex(subjectC14N); loc != nil {
		return hit(KindCustomerNumber, subjectC14N[loc[0]:loc[1]], evidence.SourceSubject, subjectC14N, loc)
	}
	if loc := customerNumberRe.FindStringIndex(bodyC14N); loc != nil {
		return hit(KindCustomerNumber, bodyC14N[loc[0]:loc[1]], evidence.SourceBody, bodyC14N, loc)
	}
	return nil
}

func hit(kind IdentifierKind, value string, source evidence.Source, text string, loc []int) *IdentifierHit {
	return &IdentifierHit{
		Kind:  kind,
		Value: strings.ToUpper(value),
		Span:  evidence.NewSpan(source, text, loc[0], loc[1]),
	}
}
