// Package classify implements the two-mode multi-label classifier: an
// always-on deterministic risk prescan, versioned keyword rules, a small
// deterministic model, and an optional LLM behind acceptance gates. Anything
// the gates reject fails closed into classification review.
package classify

// Mode selects the pipeline flavor.
type Mode string

const (
	ModeBaseline Mode = "BASELINE"
	ModeLLMFirst Mode = "LLM_FIRST"
)

func (m Mode) IsValid() bool { return m == ModeBaseline || m == ModeLLMFirst }

// AcceptThresholds are the minimum confidences an LLM classification must
// reach to be accepted.
type AcceptThresholds struct {
	PrimaryIntent float64 `yaml:"primary_intent" json:"primary_intent"`
	ProductLine   float64 `yaml:"product_line" json:"product_line"`
	Urgency       float64 `yaml:"urgency" json:"urgency"`
	RiskFlag      float64 `yaml:"risk_flag" json:"risk_flag"`
}

// Config is the classification section of the configuration snapshot.
type Config struct {
	Mode                 Mode             `yaml:"mode" json:"mode"`
	RulesVersion         string           `yaml:"rules_version" json:"rules_version"`
	MinConfidenceForAuto float64          `yaml:"min_confidence_for_auto" json:"min_confidence_for_auto"`
	Accept               AcceptThresholds `yaml:"accept" json:"accept"`
	// DisagreementMinRuleConfidence: a deterministic rule at or above this
	// confidence asserting a different primary intent vetoes the LLM result.
	DisagreementMinRuleConfidence float64  `yaml:"disagreement_min_rule_confidence" json:"disagreement_min_rule_confidence"`
	SupportedLanguages            []string `yaml:"supported_languages" json:"supported_languages"`
	LLMEnabled                    bool     `yaml:"llm_enabled" json:"llm_enabled"`
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeBaseline,
		RulesVersion:         "rules-2024.2",
		MinConfidenceForAuto: 0.85,
		Accept: AcceptThresholds{
			PrimaryIntent: 0.72,
			ProductLine:   0.65,
			Urgency:       0.60,
			RiskFlag:      0.80,
		},
		DisagreementMinRuleConfidence: 0.85,
		SupportedLanguages:            []string{"de", "en"},
	}
}
