package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/evidence"
	"intake/internal/identity"
	"intake/internal/llm"
	"intake/internal/normalize"
	"intake/pkg/fault"
)

// StoreMode says how an entity value is persisted.
type StoreMode string

const (
	StoreFull     StoreMode = "FULL"
	StoreRedacted StoreMode = "REDACTED"
)

// Entity is one extracted entity. Sensitive values carry ValueRedacted plus
// the digest of the full value; the full value itself is dropped.
type Entity struct {
	EntityType    canonical.EntityType `json:"entity_type" validate:"required,canonical_entity_type"`
	Value         string               `json:"value,omitempty"`
	ValueRedacted string               `json:"value_redacted" validate:"required,max=200"`
	ValueSHA256   string               `json:"value_sha256" validate:"required,prefixed_sha256"`
	StoreMode     StoreMode            `json:"store_mode" validate:"required,oneof=FULL REDACTED"`
	Confidence    float64              `json:"confidence" validate:"min=0,max=1"`
	Provenance    evidence.Span        `json:"provenance"`
	DirectoryMiss bool                 `json:"directory_miss,omitempty"`
}

// Result is the extraction artifact; one per run.
type Result struct {
	SchemaID  string   `json:"schema_id" validate:"required"`
	MessageID string   `json:"message_id" validate:"required"`
	RunID     string   `json:"run_id" validate:"required"`
	Entities  []Entity `json:"entities" validate:"dive"`
}

// Config is the extraction section of the configuration snapshot.
type Config struct {
	IBANEnabled   bool      `yaml:"iban_enabled" json:"iban_enabled"`
	IBANStoreMode StoreMode `yaml:"iban_store_mode" json:"iban_store_mode"`
}

// Extractor runs deterministic patterns and, when the classifier used the
// LLM and patterns found nothing, the extraction LLM.
type Extractor struct {
	config    Config
	directory identity.Directory
	adapter   *llm.Adapter
	logger    *slog.Logger
}

type Option func(*Extractor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

func WithAdapter(a *llm.Adapter) Option {
	return func(e *Extractor) { e.adapter = a }
}

func New(config Config, directory identity.Directory, opts ...Option) (*Extractor, error) {
	if directory == nil {
		return nil, fmt.Errorf("directory adapter is required")
	}
	e := &Extractor{config: config, directory: directory, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract runs the deterministic pass and the gated LLM pass. A missing
// identity-critical entity is not an error here; it shows up in routing via
// the identity status.
func (e *Extractor) Extract(ctx context.Context, nm *normalize.Message, classifyUsedLLM bool) (*Result, error) {
	result := &Result{
		SchemaID:  canonical.SchemaExtraction,
		MessageID: nm.MessageID,
		RunID:     nm.RunID,
	}

	e.deterministicPass(ctx, nm, result)

	// The LLM pass runs only when classification already used the LLM and
	// the deterministic pass came up empty.
	if classifyUsedLLM && len(result.Entities) == 0 && e.adapter != nil {
		if err := e.llmPass(ctx, nm, result); err != nil {
			// LLM extraction is additive; its failure never fails the stage.
			e.logger.WarnContext(ctx, "llm extraction skipped", "error", err)
		}
	}
	return result, nil
}

func (e *Extractor) deterministicPass(ctx context.Context, nm *normalize.Message, result *Result) {
	subject, body := nm.SubjectC14N, nm.BodyTextC14N

	if loc, source, text := firstMatch(policyNumberRe, subject, body); loc != nil {
		value := strings.ToUpper(text[loc[0]:loc[1]])
		result.Entities = append(result.Entities, e.directoryChecked(ctx, Entity{
			EntityType:    canonical.EntPolicyNumber,
			Value:         value,
			ValueRedacted: value,
			ValueSHA256:   determinism.SHA256Text(value),
			StoreMode:     StoreFull,
			Confidence:    0.95,
			Provenance:    evidence.NewSpan(source, text, loc[0], loc[1]),
		}))
	}

	if loc, source, text := firstMatch(claimNumberRe, subject, body); loc != nil {
		value := strings.ToUpper(text[loc[0]:loc[1]])
		result.Entities = append(result.Entities, e.directoryChecked(ctx, Entity{
			EntityType:    canonical.EntClaimNumber,
			Value:         value,
			ValueRedacted: value,
			ValueSHA256:   determinism.SHA256Text(value),
			StoreMode:     StoreFull,
			Confidence:    0.95,
			Provenance:    evidence.NewSpan(source, text, loc[0], loc[1]),
		}))
	}

	if loc, source, text := firstMatch(customerNumberRe, subject, body); loc != nil {
		value := strings.ToUpper(text[loc[0]:loc[1]])
		result.Entities = append(result.Entities, e.directoryChecked(ctx, Entity{
			EntityType:    canonical.EntCustomerNumber,
			Value:         value,
			ValueRedacted: value,
			ValueSHA256:   determinism.SHA256Text(value),
			StoreMode:     StoreFull,
			Confidence:    0.9,
			Provenance:    evidence.NewSpan(source, text, loc[0], loc[1]),
		}))
	}

	if loc := dateRe.FindStringIndex(body); loc != nil {
		value := body[loc[0]:loc[1]]
		result.Entities = append(result.Entities, Entity{
			EntityType:    canonical.EntDate,
			Value:         value,
			ValueRedacted: value,
			ValueSHA256:   determinism.SHA256Text(value),
			StoreMode:     StoreFull,
			Confidence:    0.9,
			Provenance:    evidence.NewSpan(evidence.SourceBody, body, loc[0], loc[1]),
		})
	}

	if m := locationRe.FindStringSubmatchIndex(body); m != nil {
		value := capitalize(body[m[2]:m[3]])
		result.Entities = append(result.Entities, Entity{
			EntityType:    canonical.EntLocation,
			Value:         value,
			ValueRedacted: value,
			ValueSHA256:   determinism.SHA256Text(value),
			StoreMode:     StoreFull,
			Confidence:    0.8,
			Provenance:    evidence.NewSpan(evidence.SourceBody, body, m[0], m[1]),
		})
	}

	if e.config.IBANEnabled {
		if loc := ibanRe.FindStringIndex(body); loc != nil {
			raw := body[loc[0]:loc[1]]
			if ValidIBAN(raw) {
				result.Entities = append(result.Entities, Entity{
					EntityType:    canonical.EntIBAN,
					ValueRedacted: RedactIBAN(raw),
					ValueSHA256:   determinism.SHA256Text(strings.ToUpper(raw)),
					StoreMode:     StoreRedacted,
					Confidence:    0.95,
					Provenance:    redactedSpan(evidence.SourceBody, body, loc[0], loc[1]),
				})
			}
		}
	}
}

// llmPass vets every proposed entity: canonical type, pattern validation for
// identifiers, verbatim evidence, then directory existence.
func (e *Extractor) llmPass(ctx context.Context, nm *normalize.Message, result *Result) error {
	subjectRedacted := evidence.RedactPreserveLength(nm.SubjectC14N)
	bodyRedacted := evidence.RedactPreserveLength(nm.BodyTextC14N)
	prompt := llm.BuildExtractPrompt(subjectRedacted, bodyRedacted, e.config.IBANEnabled)

	art, _, err := e.adapter.Infer(ctx, llm.PurposeExtract, canonical.StageExtract, prompt, nm.Fingerprint)
	if err != nil {
		return err
	}
	output, err := llm.ParseExtractOutput(art.OutputJSON)
	if err != nil {
		return fault.Wrap(err, fault.KindValidation, string(canonical.StageExtract),
			"llm_contract_violation", "llm extraction output failed contract")
	}

	for _, proposed := range output.Entities {
		entityType := canonical.EntityType(proposed.EntityType)
		if !entityType.IsValid() {
			continue
		}
		if !patternValid(entityType, proposed.ValueRedacted) {
			continue
		}
		span, ok := locateSnippet(proposed.EvidenceSnippets, subjectRedacted, bodyRedacted)
		if !ok {
			continue
		}
		value := strings.ToUpper(strings.TrimSpace(proposed.ValueRedacted))
		if entityType == canonical.EntIBAN || entityType == canonical.EntIDDocument {
			if entityType == canonical.EntIBAN && !e.config.IBANEnabled {
				continue
			}
			span.SnippetRedacted = strings.Repeat("*", len(span.SnippetRedacted))
			span.SnippetSHA256 = determinism.SHA256Text(span.SnippetRedacted)
			result.Entities = append(result.Entities, Entity{EntityType: entityType,
				ValueRedacted: RedactIBAN(value), ValueSHA256: determinism.SHA256Text(value),
				StoreMode: StoreRedacted, Confidence: proposed.Confidence, Provenance: span})
			continue
		}
		result.Entities = append(result.Entities, e.directoryChecked(ctx, Entity{
			EntityType:    entityType,
			Value:         value,
			ValueRedacted: value,
			ValueSHA256:   determinism.SHA256Text(value),
			StoreMode:     StoreFull,
			Confidence:    proposed.Confidence,
			Provenance:    span,
		}))
	}
	return nil
}

// directoryChecked stamps directory_miss on pattern-valid identifiers the
// directory does not know; identity treats those as medium signals at best.
func (e *Extractor) directoryChecked(ctx context.Context, ent Entity) Entity {
	var (
		rec *identity.Record
		err error
	)
	switch ent.EntityType {
	case canonical.EntPolicyNumber:
		rec, err = e.directory.LookupPolicy(ctx, ent.Value)
	case canonical.EntClaimNumber:
		rec, err = e.directory.LookupClaim(ctx, ent.Value)
	case canonical.EntCustomerNumber:
		rec, err = e.directory.LookupCustomer(ctx, ent.Value)
	default:
		return ent
	}
	if err != nil || rec == nil {
		ent.DirectoryMiss = true
	}
	return ent
}

func patternValid(t canonical.EntityType, value string) bool {
	switch t {
	case canonical.EntPolicyNumber:
		return ValidPolicyNumber(value)
	case canonical.EntClaimNumber:
		return ValidClaimNumber(value)
	case canonical.EntCustomerNumber:
		return ValidCustomerNumber(value)
	case canonical.EntIBAN:
		return ValidIBAN(value)
	default:
		return true
	}
}

func firstMatch(re interface {
	FindStringIndex(string) []int
}, subject, body string) (loc []int, source evidence.Source, text string) {
	if loc := re.FindStringIndex(body); loc != nil {
		return loc, evidence.SourceBody, body
	}
	if loc := re.FindStringIndex(subject); loc != nil {
		return loc, evidence.SourceSubject, subject
	}
	return nil, "", ""
}

// redactedSpan masks the snippet before storage; offsets stay true to the
// canonical text. Used for sensitive matches (IBANs).
func redactedSpan(source evidence.Source, text string, start, end int) evidence.Span {
	masked := evidence.RedactPreserveLength(text[start:end])
	span := evidence.NewSpan(source, text, start, end)
	span.SnippetRedacted = masked
	span.SnippetSHA256 = determinism.SHA256Text(masked)
	return span
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	return strings.ToUpper(string(runes[0])) + string(runes[1:])
}

func locateSnippet(snippets []string, subjectRedacted, bodyRedacted string) (evidence.Span, bool) {
	for _, raw := range snippets {
		needle := strings.ToLower(strings.TrimSpace(raw))
		if needle == "" {
			continue
		}
		if idx := strings.Index(bodyRedacted, needle); idx != -1 {
			return evidence.NewSpan(evidence.SourceBody, bodyRedacted, idx, idx+len(needle)), true
		}
		if idx := strings.Index(subjectRedacted, needle); idx != -1 {
			return evidence.NewSpan(evidence.SourceSubject, subjectRedacted, idx, idx+len(needle)), true
		}
	}
	return evidence.Span{}, false
}
