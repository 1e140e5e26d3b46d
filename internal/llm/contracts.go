package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Strict-JSON output contracts. The model must return exactly these shapes;
// anything else is a contract violation and the caller retries with the
// repair prompt or fails closed.

// LabeledOutput is one labeled item with its confidence and evidence
// snippets. Snippets must be verbatim substrings of the redacted canonical
// text; the acceptance gate verifies that.
type LabeledOutput struct {
	Label            string   `json:"label"`
	Confidence       float64  `json:"confidence"`
	EvidenceSnippets []string `json:"evidence_snippets"`
}

// ClassifyOutput is the classification contract.
type ClassifyOutput struct {
	Intents       []LabeledOutput `json:"intents"`
	PrimaryIntent string          `json:"primary_intent"`
	ProductLine   LabeledOutput   `json:"product_line"`
	Urgency       LabeledOutput   `json:"urgency"`
	RiskFlags     []LabeledOutput `json:"risk_flags"`
}

// ExtractEntityOutput is one extracted entity.
type ExtractEntityOutput struct {
	EntityType       string   `json:"entity_type"`
	ValueRedacted    string   `json:"value_redacted"`
	Confidence       float64  `json:"confidence"`
	EvidenceSnippets []string `json:"evidence_snippets"`
}

// ExtractOutput is the extraction contract.
type ExtractOutput struct {
	Entities []ExtractEntityOutput `json:"entities"`
}

// AssistOutput is the identity-assist contract: proposed identifier strings
// only; they are worthless until pattern-validated and found in the
// directory.
type AssistOutput struct {
	CandidateKeys []string `json:"candidate_keys"`
}

// ContractError marks a violation of the output contract; it triggers the
// repair retry, then fail-closed.
type ContractError struct{ msg string }

func (e *ContractError) Error() string { return e.msg }

func contractErr(format string, args ...any) error {
	return &ContractError{msg: fmt.Sprintf(format, args...)}
}

// ParseClassifyOutput decodes and structurally validates raw model text.
func ParseClassifyOutput(raw string) (*ClassifyOutput, error) {
	var out ClassifyOutput
	if err := decodeStrict(raw, &out); err != nil {
		return nil, err
	}
	if len(out.Intents) == 0 {
		return nil, contractErr("intents must not be empty")
	}
	for i, it := range out.Intents {
		if err := checkLabeled(it, fmt.Sprintf("intents[%d]", i)); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(out.PrimaryIntent) == "" {
		return nil, contractErr("primary_intent must be a non-empty string")
	}
	if err := checkLabeled(out.ProductLine, "product_line"); err != nil {
		return nil, err
	}
	if err := checkLabeled(out.Urgency, "urgency"); err != nil {
		return nil, err
	}
	for i, rf := range out.RiskFlags {
		if err := checkLabeled(rf, fmt.Sprintf("risk_flags[%d]", i)); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// ParseExtractOutput decodes and structurally validates raw model text.
func ParseExtractOutput(raw string) (*ExtractOutput, error) {
	var out ExtractOutput
	if err := decodeStrict(raw, &out); err != nil {
		return nil, err
	}
	for i, e := range out.Entities {
		if strings.TrimSpace(e.EntityType) == "" {
			return nil, contractErr("entities[%d].entity_type must be non-empty", i)
		}
		if len(e.ValueRedacted) > 200 {
			return nil, contractErr("entities[%d].value_redacted exceeds 200 bytes", i)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return nil, contractErr("entities[%d].confidence out of range", i)
		}
		if len(e.EvidenceSnippets) == 0 {
			return nil, contractErr("entities[%d].evidence_snippets must not be empty", i)
		}
	}
	return &out, nil
}

// ParseAssistOutput decodes the identity-assist contract.
func ParseAssistOutput(raw string) (*AssistOutput, error) {
	var out AssistOutput
	if err := decodeStrict(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func checkLabeled(l LabeledOutput, path string) error {
	if strings.TrimSpace(l.Label) == "" {
		return contractErr("%s.label must be a non-empty string", path)
	}
	if l.Confidence < 0 || l.Confidence > 1 {
		return contractErr("%s.confidence out of range", path)
	}
	if len(l.EvidenceSnippets) == 0 {
		return contractErr("%s.evidence_snippets must not be empty", path)
	}
	for i, s := range l.EvidenceSnippets {
		if len(s) > 200 {
			return contractErr("%s.evidence_snippets[%d] exceeds 200 bytes", path, i)
		}
	}
	return nil
}

func decodeStrict(raw string, into any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return contractErr("invalid JSON: %v", err)
	}
	if dec.More() {
		return contractErr("trailing content after JSON object")
	}
	return nil
}
