package llm

import (
	"fmt"
	"sort"
	"strings"

	"intake/internal/canonical"
	"intake/internal/determinism"
)

// Prompt versions; bumped with any wording change so cache keys roll over.
const (
	ClassifyPromptVersion = "classify-v2"
	ExtractPromptVersion  = "extract-v1"
	AssistPromptVersion   = "identity-assist-v1"
	RepairPromptVersion   = "repair-v1"
)

// canonicalLabelsBlock renders the closed vocabularies the model must use.
// Sourced from the registry, never hand-listed here.
func canonicalLabelsBlock() string {
	var b strings.Builder
	writeSet := func(name string, values []string) {
		sort.Strings(values)
		fmt.Fprintf(&b, "%s: %s\n", name, strings.Join(values, ", "))
	}
	intents := make([]string, 0, len(canonical.IntentPriority))
	for _, v := range canonical.IntentPriority {
		intents = append(intents, string(v))
	}
	products := make([]string, 0, len(canonical.ProductLines))
	for _, v := range canonical.ProductLines {
		products = append(products, string(v))
	}
	urgencies := make([]string, 0, len(canonical.Urgencies))
	for _, v := range canonical.Urgencies {
		urgencies = append(urgencies, string(v))
	}
	risks := make([]string, 0, len(canonical.RiskFlags))
	for _, v := range canonical.RiskFlags {
		risks = append(risks, string(v))
	}
	entities := make([]string, 0, len(canonical.EntityTypes))
	for _, v := range canonical.EntityTypes {
		entities = append(entities, string(v))
	}
	writeSet("intents", intents)
	writeSet("product_lines", products)
	writeSet("urgencies", urgencies)
	writeSet("risk_flags", risks)
	writeSet("entity_types", entities)
	return b.String()
}

// BuildClassifyPrompt renders the classification prompt over redacted
// canonical text. Offsets are preserved by redaction, so snippet evidence the
// model quotes can be located in the canonical text.
func BuildClassifyPrompt(subjectRedacted, bodyRedacted string) string {
	return fmt.Sprintf(`You classify inbound insurance emails. Use ONLY these labels:

%s
Return ONE JSON object, no prose, matching exactly:
{"intents":[{"label":"...","confidence":0.0,"evidence_snippets":["..."]}],"primary_intent":"...","product_line":{"label":"...","confidence":0.0,"evidence_snippets":["..."]},"urgency":{"label":"...","confidence":0.0,"evidence_snippets":["..."]},"risk_flags":[]}

Every evidence snippet must be a verbatim substring (max 200 chars) of the
subject or body below.

SUBJECT:
%s

BODY:
%s`, canonicalLabelsBlock(), subjectRedacted, bodyRedacted)
}

// BuildExtractPrompt renders the extraction prompt.
func BuildExtractPrompt(subjectRedacted, bodyRedacted string, ibanEnabled bool) string {
	ibanNote := "Do NOT extract IBANs."
	if ibanEnabled {
		ibanNote = "IBANs must be returned redacted: first 4 characters, an ellipsis, last 4."
	}
	return fmt.Sprintf(`You extract entities from inbound insurance emails. Use ONLY these labels:

%s
%s
Return ONE JSON object, no prose, matching exactly:
{"entities":[{"entity_type":"...","value_redacted":"...","confidence":0.0,"evidence_snippets":["..."]}]}

Every evidence snippet must be a verbatim substring (max 200 chars) of the
subject or body below.

SUBJECT:
%s

BODY:
%s`, canonicalLabelsBlock(), ibanNote, subjectRedacted, bodyRedacted)
}

// BuildAssistPrompt renders the identity-assist prompt: propose candidate
// policy/claim/customer identifiers only.
func BuildAssistPrompt(subjectRedacted, bodyRedacted string) string {
	return fmt.Sprintf(`List candidate policy, claim, or customer identifiers you can find in the
email below. Return ONE JSON object, no prose:
{"candidate_keys":["..."]}

SUBJECT:
%s

BODY:
%s`, subjectRedacted, bodyRedacted)
}

// BuildRepairPrompt wraps a failed response for the single repair retry.
func BuildRepairPrompt(original, rawResponse, problem string) string {
	return fmt.Sprintf(`Your previous response was rejected: %s

Previous response:
%s

Respond again to the task below with ONE valid JSON object and nothing else.

%s`, problem, rawResponse, original)
}

// PromptSHA256 digests a prompt for cache keys and audit model info.
func PromptSHA256(prompt string) string {
	return determinism.SHA256Text(prompt)
}
