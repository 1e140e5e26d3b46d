package classify

import (
	"regexp"
	"strings"

	"intake/internal/canonical"
	"intake/internal/evidence"
	"intake/internal/normalize"
)

// Deterministic keyword rules for intents, product line, and urgency.
// Versioned via Config.RulesVersion; the needle tables below are that
// version's content.

type intentRule struct {
	intent        canonical.Intent
	subjectPrefix string
	needles       []string
	confidence    float64
}

var intentRules = []intentRule{
	{intent: canonical.IntentGDPRRequest, needles: []string{"dsgvo", "auskunftsersuchen"}, confidence: 0.98},
	{intent: canonical.IntentLegal, needles: []string{"anwalt", "anwältin", "rechtsanwalt"}, confidence: 0.96},
	{intent: canonical.IntentComplaint, needles: []string{"beschwerde"}, confidence: 0.95},
	{intent: canonical.IntentClaimUpdate, subjectPrefix: "nachreichung", confidence: 0.9},
	{intent: canonical.IntentClaimNew, needles: []string{"schaden melden", "schadenmeldung", "unfall", "sturmschaden"}, confidence: 0.9},
	{intent: canonical.IntentPolicyCancellation, needles: []string{"kündigung", "kündigen"}, confidence: 0.92},
	{intent: canonical.IntentPolicyChange, needles: []string{"adressänderung", "vertragsänderung"}, confidence: 0.85},
	{intent: canonical.IntentBillingQuestion, needles: []string{"rückzahlung", "rechnung", "mahnung"}, confidence: 0.88},
	{intent: canonical.IntentCoverageQuestion, needles: []string{"deckung", "versicherungsschutz"}, confidence: 0.8},
	{intent: canonical.IntentBrokerIntermediary, subjectPrefix: "im auftrag", confidence: 0.9},
	{intent: canonical.IntentTechnical, subjectPrefix: "undelivered", confidence: 0.9},
}

var claimNumberSubjectRe = regexp.MustCompile(`\bclm-\d{4}-\d{4,6}\b`)

// RunRules is the baseline deterministic classifier: intents, product line,
// and urgency with rule confidences. It always returns at least one intent;
// the general-inquiry fallback keeps the artifact schema-valid.
func RunRules(nm *normalize.Message, hasAttachments bool) (intents []Labeled, product Labeled, urgency Labeled) {
	subject, body := nm.SubjectC14N, nm.BodyTextC14N

	for _, rule := range intentRules {
		if rule.subjectPrefix != "" && strings.HasPrefix(subject, rule.subjectPrefix) {
			end := len(rule.subjectPrefix)
			intents = append(intents, Labeled{
				Label:      string(rule.intent),
				Confidence: rule.confidence,
				Evidence:   []evidence.Span{evidence.NewSpan(evidence.SourceSubject, subject, 0, end)},
			})
			continue
		}
		if span, ok := findNeedleSpan(subject, body, rule.needles); ok {
			intents = append(intents, Labeled{
				Label:      string(rule.intent),
				Confidence: rule.confidence,
				Evidence:   []evidence.Span{span},
			})
		}
	}

	// Document submission is additive: it can accompany any other intent.
	if span, ok := findNeedleSpan(subject, body, []string{"anbei", "im anhang"}); ok {
		confidence := 0.55
		if hasAttachments {
			confidence = 0.8
		}
		intents = append(intents, Labeled{
			Label:      string(canonical.IntentDocumentSubmission),
			Confidence: confidence,
			Evidence:   []evidence.Span{span},
		})
	}

	if len(intents) == 0 {
		intents = append(intents, Labeled{
			Label:      string(canonical.IntentGeneralInquiry),
			Confidence: 0.55,
			Evidence:   []evidence.Span{anchorSpan(subject, body)},
		})
	}

	product = productRule(subject, body)
	urgency = urgencyRule(subject, body, intents)
	return intents, product, urgency
}

func productRule(subject, body string) Labeled {
	switch {
	case containsAny(body, "unfall", "auffahrunfall", "kfz") || containsAny(subject, "unfall", "kfz") || claimNumberSubjectRe.MatchString(subject):
		span, _ := findNeedleSpan(subject, body, []string{"unfall", "auffahrunfall", "kfz"})
		if span.SnippetSHA256 == "" {
			span = anchorSpan(subject, body)
		}
		return Labeled{Label: string(canonical.ProdAuto), Confidence: 0.8, Evidence: []evidence.Span{span}}
	case containsAny(body, "dach", "sturmschaden", "wasserschaden") || containsAny(subject, "sturmschaden"):
		span, _ := findNeedleSpan(subject, body, []string{"dach", "sturmschaden", "wasserschaden"})
		return Labeled{Label: string(canonical.ProdProperty), Confidence: 0.75, Evidence: []evidence.Span{span}}
	case containsAny(body, "haftpflicht"):
		span, _ := findNeedleSpan(subject, body, []string{"haftpflicht"})
		return Labeled{Label: string(canonical.ProdLiability), Confidence: 0.75, Evidence: []evidence.Span{span}}
	case containsAny(body, "reiserücktritt", "reiseversicherung"):
		span, _ := findNeedleSpan(subject, body, []string{"reiserücktritt", "reiseversicherung"})
		return Labeled{Label: string(canonical.ProdTravel), Confidence: 0.7, Evidence: []evidence.Span{span}}
	default:
		return Labeled{Label: string(canonical.ProdUnknown), Confidence: 0.4, Evidence: []evidence.Span{anchorSpan(subject, body)}}
	}
}

func urgencyRule(subject, body string, intents []Labeled) Labeled {
	primary := selectPrimary(intents)
	switch {
	case containsAny(body, "frist", "letzte mahnung"):
		span, _ := findNeedleSpan(subject, body, []string{"frist", "letzte mahnung"})
		return Labeled{Label: string(canonical.UrgCritical), Confidence: 0.85, Evidence: []evidence.Span{span}}
	case primary.Label == string(canonical.IntentGDPRRequest) && strings.Contains(body, "auskunft"):
		span, _ := findNeedleSpan(subject, body, []string{"auskunft"})
		return Labeled{Label: string(canonical.UrgCritical), Confidence: 0.8, Evidence: []evidence.Span{span}}
	case containsAny(body, "sofort", "dringend", "umgehend"):
		span, _ := findNeedleSpan(subject, body, []string{"sofort", "dringend", "umgehend"})
		return Labeled{Label: string(canonical.UrgHigh), Confidence: 0.75, Evidence: []evidence.Span{span}}
	case primary.Label == string(canonical.IntentClaimNew) && containsAny(body, "unfall", "gestern") || containsAny(subject, "unfall"):
		span, _ := findNeedleSpan(subject, body, []string{"unfall", "gestern"})
		if span.SnippetSHA256 == "" {
			span = anchorSpan(subject, body)
		}
		return Labeled{Label: string(canonical.UrgHigh), Confidence: 0.7, Evidence: []evidence.Span{span}}
	default:
		return Labeled{Label: string(canonical.UrgNormal), Confidence: 0.6, Evidence: []evidence.Span{anchorSpan(subject, body)}}
	}
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
