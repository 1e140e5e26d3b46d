package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"intake/internal/attachments"
	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/evidence"
	"intake/internal/llm"
	"intake/internal/normalize"
	"intake/pkg/fault"
)

// Classifier runs one of the two modes over a normalized message.
type Classifier struct {
	config   Config
	binding  determinism.Binding
	adapter  *llm.Adapter
	llmOff   bool // incident disable_llm snapshot
	logger   *slog.Logger
}

type Option func(*Classifier)

func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithAdapter wires the LLM adapter; without it, both modes degrade to the
// deterministic path (LLM_FIRST fails closed when the gate would open).
func WithAdapter(a *llm.Adapter) Option {
	return func(c *Classifier) { c.adapter = a }
}

// WithLLMDisabled applies the incident disable_llm toggle snapshot.
func WithLLMDisabled(off bool) Option {
	return func(c *Classifier) { c.llmOff = off }
}

func New(config Config, binding determinism.Binding, opts ...Option) (*Classifier, error) {
	if !config.Mode.IsValid() {
		return nil, fmt.Errorf("invalid pipeline mode %q", config.Mode)
	}
	c := &Classifier{config: config, binding: binding, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify produces the classification artifact. It never returns an invalid
// result: gate rejections and provider failures yield the fail-closed review
// artifact instead.
func (c *Classifier) Classify(ctx context.Context, nm *normalize.Message, atts []attachments.Artifact) (*Result, error) {
	prescan := Prescan(c.config, nm, atts)

	switch c.config.Mode {
	case ModeLLMFirst:
		return c.classifyLLMFirst(ctx, nm, atts, prescan)
	default:
		return c.classifyBaseline(ctx, nm, atts, prescan)
	}
}

// classifyBaseline: deterministic rules, small-model refinement, LLM only as
// a gated low-confidence fallback (disabled by default).
func (c *Classifier) classifyBaseline(ctx context.Context, nm *normalize.Message, atts []attachments.Artifact, prescan []Labeled) (*Result, error) {
	intents, product, urgency := RunRules(nm, len(nm.AttachmentIDs) > 0)
	primary := selectPrimary(intents)

	// Small-model refinement: agreement nudges the rule confidence up, never
	// past the model's own ceiling.
	if smIntent, smConf := SmallModelPredict(nm); string(smIntent) == primary.Label && smConf > primary.Confidence {
		primary.Confidence = (primary.Confidence + smConf) / 2
		for i := range intents {
			if intents[i].Label == primary.Label {
				intents[i].Confidence = primary.Confidence
			}
		}
	}

	result := c.assemble(nm, intents, primary, product, urgency, prescan, nil)

	if c.llmGateOpen(prescan, primary) {
		llmResult, err := c.tryLLM(ctx, nm, prescan)
		if err == nil {
			return llmResult, nil
		}
		if fault.Is(err, fault.KindDeterminism) {
			return c.failClosedResult(nm, prescan, fault.ReasonOf(err))
		}
		// Gated fallback is best-effort in baseline mode; keep the
		// deterministic result on provider trouble.
		c.logger.WarnContext(ctx, "baseline llm fallback failed", "error", err)
	}

	if err := c.stamp(nm, result, llmHashInfo{Enabled: c.config.LLMEnabled, Provider: c.providerName(), ModelID: c.modelID()}); err != nil {
		return nil, err
	}
	return result, nil
}

// classifyLLMFirst: prescan, then the LLM with acceptance gates; the
// deterministic rules act as the disagreement check. The small model is not
// consulted in this mode. Any gate failure fails closed to classification
// review.
func (c *Classifier) classifyLLMFirst(ctx context.Context, nm *normalize.Message, atts []attachments.Artifact, prescan []Labeled) (*Result, error) {
	if c.llmOff || c.adapter == nil {
		return c.failClosedResult(nm, prescan, "llm_unavailable_in_llm_first")
	}
	result, err := c.tryLLM(ctx, nm, prescan)
	if err != nil {
		return c.failClosedResult(nm, prescan, fault.ReasonOf(err))
	}
	return result, nil
}

// llmGateOpen implements the baseline-mode gate: enabled, no incident
// toggle, no prescan risk flags, and the deterministic confidence is too low
// to auto-route.
func (c *Classifier) llmGateOpen(prescan []Labeled, primary Labeled) bool {
	if !c.config.LLMEnabled || c.llmOff || c.adapter == nil {
		return false
	}
	if len(prescan) > 0 {
		return false
	}
	return primary.Confidence < c.config.MinConfidenceForAuto
}

// tryLLM runs the prompt/repair retry loop and the acceptance gates.
func (c *Classifier) tryLLM(ctx context.Context, nm *normalize.Message, prescan []Labeled) (*Result, error) {
	subjectRedacted := evidence.RedactPreserveLength(nm.SubjectC14N)
	bodyRedacted := evidence.RedactPreserveLength(nm.BodyTextC14N)
	prompt := llm.BuildClassifyPrompt(subjectRedacted, bodyRedacted)

	art, _, err := c.adapter.Infer(ctx, llm.PurposeClassify, canonical.StageClassify, prompt, nm.Fingerprint)
	if err != nil {
		return nil, err
	}

	output, parseErr := llm.ParseClassifyOutput(art.OutputJSON)
	if parseErr != nil {
		// One repair attempt, then fail closed.
		repair := llm.BuildRepairPrompt(prompt, art.OutputJSON, parseErr.Error())
		art, _, err = c.adapter.Infer(ctx, llm.PurposeClassify, canonical.StageClassify, repair, nm.Fingerprint)
		if err != nil {
			return nil, err
		}
		output, parseErr = llm.ParseClassifyOutput(art.OutputJSON)
		if parseErr != nil {
			return nil, fault.Wrap(parseErr, fault.KindValidation, string(canonical.StageClassify),
				"llm_contract_violation", "llm output failed contract after repair")
		}
	}

	result, gateErr := c.accept(nm, output, prescan, subjectRedacted, bodyRedacted)
	if gateErr != nil {
		return nil, gateErr
	}

	result.Model = &ModelRef{Provider: art.Provider, ModelID: art.ModelID, PromptSHA256: art.PromptSHA256}
	result.LLMUsed = true
	if err := c.stamp(nm, result, llmHashInfo{
		Enabled: true, Provider: art.Provider, ModelID: art.ModelID, PromptSHA256: art.PromptSHA256,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// accept applies the acceptance gates: canonical labels, confidence
// thresholds, verbatim evidence, and the disagreement gate.
func (c *Classifier) accept(nm *normalize.Message, out *llm.ClassifyOutput, prescan []Labeled, subjectRedacted, bodyRedacted string) (*Result, error) {
	reject := func(reason, msg string) error {
		return fault.New(fault.KindValidation, string(canonical.StageClassify), reason, msg)
	}

	intents := make([]Labeled, 0, len(out.Intents))
	for _, it := range out.Intents {
		if !canonical.Intent(it.Label).IsValid() {
			return nil, reject("llm_label_not_canonical", "intent label not canonical: "+it.Label)
		}
		spans, err := locateSnippets(it.EvidenceSnippets, subjectRedacted, bodyRedacted)
		if err != nil {
			return nil, reject("llm_evidence_unverified", err.Error())
		}
		intents = append(intents, Labeled{Label: it.Label, Confidence: it.Confidence, Evidence: spans})
	}
	if !canonical.ProductLine(out.ProductLine.Label).IsValid() {
		return nil, reject("llm_label_not_canonical", "product label not canonical: "+out.ProductLine.Label)
	}
	if !canonical.Urgency(out.Urgency.Label).IsValid() {
		return nil, reject("llm_label_not_canonical", "urgency label not canonical: "+out.Urgency.Label)
	}

	primary := selectPrimary(intents)
	if primary.Confidence < c.config.Accept.PrimaryIntent {
		return nil, reject("llm_confidence_below_threshold", "primary intent confidence too low")
	}
	if out.ProductLine.Confidence < c.config.Accept.ProductLine {
		return nil, reject("llm_confidence_below_threshold", "product line confidence too low")
	}
	if out.Urgency.Confidence < c.config.Accept.Urgency {
		return nil, reject("llm_confidence_below_threshold", "urgency confidence too low")
	}

	productSpans, err := locateSnippets(out.ProductLine.EvidenceSnippets, subjectRedacted, bodyRedacted)
	if err != nil {
		return nil, reject("llm_evidence_unverified", err.Error())
	}
	urgencySpans, err := locateSnippets(out.Urgency.EvidenceSnippets, subjectRedacted, bodyRedacted)
	if err != nil {
		return nil, reject("llm_evidence_unverified", err.Error())
	}

	// Risk flags: prescan flags always survive; the LLM may add flags that
	// clear the risk threshold and verify their evidence.
	riskFlags := append([]Labeled(nil), prescan...)
	seen := map[string]bool{}
	for _, rf := range prescan {
		seen[rf.Label] = true
	}
	for _, rf := range out.RiskFlags {
		if !canonical.RiskFlag(rf.Label).IsValid() {
			return nil, reject("llm_label_not_canonical", "risk label not canonical: "+rf.Label)
		}
		if rf.Confidence < c.config.Accept.RiskFlag {
			return nil, reject("llm_confidence_below_threshold", "risk flag confidence too low: "+rf.Label)
		}
		spans, err := locateSnippets(rf.EvidenceSnippets, subjectRedacted, bodyRedacted)
		if err != nil {
			return nil, reject("llm_evidence_unverified", err.Error())
		}
		if !seen[rf.Label] {
			seen[rf.Label] = true
			riskFlags = append(riskFlags, Labeled{Label: rf.Label, Confidence: rf.Confidence, Evidence: spans})
		}
	}

	// Disagreement gate: a confident deterministic rule vetoes a different
	// LLM primary intent.
	ruleIntents, _, _ := RunRules(nm, len(nm.AttachmentIDs) > 0)
	rulePrimary := selectPrimary(ruleIntents)
	if rulePrimary.Confidence >= c.config.DisagreementMinRuleConfidence && rulePrimary.Label != primary.Label {
		return nil, reject("llm_rule_disagreement", fmt.Sprintf(
			"deterministic rule asserts %s against llm %s", rulePrimary.Label, primary.Label))
	}

	product := Labeled{Label: out.ProductLine.Label, Confidence: out.ProductLine.Confidence, Evidence: productSpans}
	urgency := Labeled{Label: out.Urgency.Label, Confidence: out.Urgency.Confidence, Evidence: urgencySpans}
	return c.assemble(nm, intents, primary, product, urgency, riskFlags, nil), nil
}

func (c *Classifier) assemble(nm *normalize.Message, intents []Labeled, primary, product, urgency Labeled, riskFlags []Labeled, model *ModelRef) *Result {
	return &Result{
		SchemaID:      canonical.SchemaClassification,
		MessageID:     nm.MessageID,
		RunID:         nm.RunID,
		Intents:       intents,
		PrimaryIntent: primary,
		ProductLine:   product,
		Urgency:       urgency,
		RiskFlags:     riskFlags,
		RulesVersion:  c.config.RulesVersion,
		Model:         model,
	}
}

// failClosedResult is the schema-valid review artifact: general inquiry at
// zero confidence, deterministic risk flags preserved, reason recorded.
func (c *Classifier) failClosedResult(nm *normalize.Message, prescan []Labeled, reason string) (*Result, error) {
	span := anchorSpan(
		evidence.RedactPreserveLength(nm.SubjectC14N),
		evidence.RedactPreserveLength(nm.BodyTextC14N),
	)
	intents := []Labeled{{Label: string(canonical.IntentGeneralInquiry), Confidence: 0, Evidence: []evidence.Span{span}}}
	result := c.assemble(nm,
		intents,
		intents[0],
		Labeled{Label: string(canonical.ProdUnknown), Confidence: 0, Evidence: []evidence.Span{span}},
		Labeled{Label: string(canonical.UrgNormal), Confidence: 0, Evidence: []evidence.Span{span}},
		prescan,
		nil,
	)
	result.FailClosed = true
	result.FailReason = reason
	if err := c.stamp(nm, result, llmHashInfo{Enabled: c.config.LLMEnabled, Provider: c.providerName(), ModelID: c.modelID()}); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Classifier) stamp(nm *normalize.Message, result *Result, info llmHashInfo) error {
	hash, err := decisionHash(c.binding, nm, result, info)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, string(canonical.StageClassify),
			"decision_hash_failed", "compute classify decision hash")
	}
	result.DecisionHash = hash
	return nil
}

func (c *Classifier) providerName() string {
	if c.adapter == nil {
		return "disabled"
	}
	return c.adapter.ProviderName()
}

func (c *Classifier) modelID() string {
	if c.adapter == nil {
		return ""
	}
	return c.adapter.ModelID()
}

// locateSnippets turns model-quoted snippets into verified evidence spans.
// A snippet that is not a verbatim substring of the redacted canonical text
// is a gate failure.
func locateSnippets(snippets []string, subjectRedacted, bodyRedacted string) ([]evidence.Span, error) {
	spans := make([]evidence.Span, 0, len(snippets))
	for _, raw := range snippets {
		needle := strings.ToLower(strings.TrimSpace(raw))
		if needle == "" {
			return nil, errors.New("empty evidence snippet")
		}
		if idx := strings.Index(subjectRedacted, needle); idx != -1 {
			spans = append(spans, evidence.NewSpan(evidence.SourceSubject, subjectRedacted, idx, idx+len(needle)))
			continue
		}
		if idx := strings.Index(bodyRedacted, needle); idx != -1 {
			spans = append(spans, evidence.NewSpan(evidence.SourceBody, bodyRedacted, idx, idx+len(needle)))
			continue
		}
		return nil, fmt.Errorf("evidence snippet not found in canonical text")
	}
	return spans, nil
}
