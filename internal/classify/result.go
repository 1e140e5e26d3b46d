package classify

import (
	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/evidence"
	"intake/internal/normalize"
)

// Labeled is one label with its confidence and evidence.
type Labeled struct {
	Label      string          `json:"label" validate:"required"`
	Confidence float64         `json:"confidence" validate:"min=0,max=1"`
	Evidence   []evidence.Span `json:"evidence"`
}

// ModelRef records the model behind an LLM-derived classification.
type ModelRef struct {
	Provider     string `json:"provider"`
	ModelID      string `json:"model_id"`
	PromptSHA256 string `json:"prompt_sha256"`
}

// Result is the classification artifact; one per run.
type Result struct {
	SchemaID      string    `json:"schema_id" validate:"required"`
	MessageID     string    `json:"message_id" validate:"required"`
	RunID         string    `json:"run_id" validate:"required"`
	Intents       []Labeled `json:"intents" validate:"required,min=1,dive"`
	PrimaryIntent Labeled   `json:"primary_intent"`
	ProductLine   Labeled   `json:"product_line"`
	Urgency       Labeled   `json:"urgency"`
	RiskFlags     []Labeled `json:"risk_flags" validate:"dive"`
	RulesVersion  string    `json:"rules_version" validate:"required"`
	Model         *ModelRef `json:"model_info,omitempty"`
	LLMUsed       bool      `json:"llm_used"`
	FailClosed    bool      `json:"fail_closed"`
	FailReason    string    `json:"fail_closed_reason,omitempty"`
	DecisionHash  string    `json:"decision_hash" validate:"required,prefixed_sha256"`
}

// ValidateLabels checks every label against the canonical registry; any
// unknown label is a schema-validation failure.
func (r *Result) ValidateLabels() bool {
	for _, it := range r.Intents {
		if !canonical.Intent(it.Label).IsValid() {
			return false
		}
	}
	if !canonical.Intent(r.PrimaryIntent.Label).IsValid() {
		return false
	}
	if !canonical.ProductLine(r.ProductLine.Label).IsValid() {
		return false
	}
	if !canonical.Urgency(r.Urgency.Label).IsValid() {
		return false
	}
	for _, rf := range r.RiskFlags {
		if !canonical.RiskFlag(rf.Label).IsValid() {
			return false
		}
	}
	return true
}

// RiskFlagSet returns the labels of all raised risk flags.
func (r *Result) RiskFlagSet() map[canonical.RiskFlag]bool {
	out := make(map[canonical.RiskFlag]bool, len(r.RiskFlags))
	for _, rf := range r.RiskFlags {
		out[canonical.RiskFlag(rf.Label)] = true
	}
	return out
}

// llmHashInfo is the llm member of the canonical decision input.
type llmHashInfo struct {
	Enabled      bool
	Provider     string
	ModelID      string
	PromptSHA256 string
}

// decisionHash computes the classify stage hash per the canonical input
// layout: header + rules version + llm info + the decision payload with
// evidence reduced to snippet digests.
func decisionHash(binding determinism.Binding, nm *normalize.Message, result *Result, llm llmHashInfo) (string, error) {
	input := binding.InputHeader(string(canonical.StageClassify), nm.Fingerprint, nm.RawMIMESHA256)
	input["llm"] = map[string]any{
		"enabled":       llm.Enabled,
		"provider":      llm.Provider,
		"model_id":      llm.ModelID,
		"prompt_sha256": llm.PromptSHA256,
	}
	input["decision"] = map[string]any{
		"intents":       labeledCanonical(result.Intents),
		"primary_intent": map[string]any{
			"label":      result.PrimaryIntent.Label,
			"confidence": result.PrimaryIntent.Confidence,
		},
		"product_line": result.ProductLine.Label,
		"urgency":      result.Urgency.Label,
		"risk_flags":   labeledCanonical(result.RiskFlags),
		"rules_version": result.RulesVersion,
	}
	return determinism.DecisionHash(input)
}

func labeledCanonical(items []Labeled) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{
			"label":      it.Label,
			"confidence": it.Confidence,
			"evidence":   evidence.CanonicalSpans(it.Evidence),
		})
	}
	return out
}

// selectPrimary picks the accepted intent that ranks earliest in the
// canonical priority order.
func selectPrimary(intents []Labeled) Labeled {
	best := intents[0]
	bestRank := canonical.Intent(best.Label).Rank()
	for _, it := range intents[1:] {
		if r := canonical.Intent(it.Label).Rank(); r < bestRank {
			best, bestRank = it, r
		}
	}
	return best
}
