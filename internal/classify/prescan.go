package classify

import (
	"strings"

	"intake/internal/attachments"
	"intake/internal/canonical"
	"intake/internal/evidence"
	"intake/internal/normalize"
)

// riskRule is one versioned keyword rule of the prescan. Needles match the
// canonical (lowercased) text.
type riskRule struct {
	flag       canonical.RiskFlag
	needles    []string
	confidence float64
}

// The prescan rule table. Order matters only for evidence selection; every
// matching flag is raised. The LLM may add flags later but can never remove
// one raised here.
var riskRules = []riskRule{
	{flag: canonical.RiskLegalThreat, needles: []string{"frist", "klage", "gerichtlich"}, confidence: 0.9},
	{flag: canonical.RiskRegulatory, needles: []string{"ombudsmann", "aufsichtsbehörde", "fma", "bafin"}, confidence: 0.8},
	{flag: canonical.RiskFraudSignal, needles: []string{"gefälscht", "betrug", "fraud"}, confidence: 0.85},
	{flag: canonical.RiskSelfHarmThreat, needles: []string{"suizid", "selbstmord", "nicht mehr leben"}, confidence: 0.9},
	{flag: canonical.RiskAutoreplyLoop, needles: []string{"automatically generated", "automatische antwort", "out of office"}, confidence: 0.8},
	{flag: canonical.RiskPrivacySensitive, needles: []string{"iban", "dsgvo"}, confidence: 0.85},
}

// Prescan raises deterministic risk flags from attachment AV status, language
// support, and the versioned keyword rules. It runs in both modes, always
// before any model.
func Prescan(cfg Config, nm *normalize.Message, atts []attachments.Artifact) []Labeled {
	subject, body := nm.SubjectC14N, nm.BodyTextC14N
	var flags []Labeled

	if attachments.HasBlocking(atts) {
		flags = append(flags, Labeled{
			Label:      string(canonical.RiskSecurityMalware),
			Confidence: 0.95,
			Evidence:   []evidence.Span{anchorSpan(subject, body)},
		})
	}

	if nm.Language != "" && !contains(cfg.SupportedLanguages, nm.Language) {
		flags = append(flags, Labeled{
			Label:      string(canonical.RiskLanguageUnsupported),
			Confidence: 0.95,
			Evidence:   []evidence.Span{anchorSpan(subject, body)},
		})
	}

	for _, rule := range riskRules {
		if span, ok := findNeedleSpan(subject, body, rule.needles); ok {
			flags = append(flags, Labeled{
				Label:      string(rule.flag),
				Confidence: rule.confidence,
				Evidence:   []evidence.Span{span},
			})
		}
	}
	return flags
}

// findNeedleSpan returns the evidence span of the first needle found, body
// first for richer context.
func findNeedleSpan(subject, body string, needles []string) (evidence.Span, bool) {
	for _, needle := range needles {
		if idx := strings.Index(body, needle); idx != -1 {
			return evidence.NewSpan(evidence.SourceBody, body, idx, idx+len(needle)), true
		}
		if idx := strings.Index(subject, needle); idx != -1 {
			return evidence.NewSpan(evidence.SourceSubject, subject, idx, idx+len(needle)), true
		}
	}
	return evidence.Span{}, false
}

// anchorSpan is the fallback evidence: the first 20 characters of whichever
// canonical text is non-empty.
func anchorSpan(subject, body string) evidence.Span {
	if body != "" {
		return evidence.NewSpan(evidence.SourceBody, body, 0, min(20, len(body)))
	}
	return evidence.NewSpan(evidence.SourceSubject, subject, 0, min(20, len(subject)))
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
