package route

import (
	"sort"

	"intake/internal/canonical"
	"intake/internal/determinism"
	"intake/internal/incident"
	"intake/pkg/fault"
)

// Context is everything the evaluator may read. It is assembled by the
// orchestrator from prior stage outputs; the evaluator itself is pure.
type Context struct {
	IdentityStatus     canonical.IdentityStatus
	PrimaryIntent      canonical.Intent
	ProductLine        canonical.ProductLine
	Urgency            canonical.Urgency
	RiskFlags          map[canonical.RiskFlag]bool
	ClassifyFailClosed bool
	ClassifyFailReason string
	// HasAuthoritativeProduct is true when a validated entity (policy or
	// claim number known to the directory) pins the product line.
	HasAuthoritativeProduct bool
	// RequestInfoAvailable is true when a request-info template exists for
	// the message language.
	RequestInfoAvailable bool
}

// Decision is the routing artifact; one per run.
type Decision struct {
	SchemaID         string   `json:"schema_id" validate:"required"`
	MessageID        string   `json:"message_id" validate:"required"`
	RunID            string   `json:"run_id" validate:"required"`
	QueueID          string   `json:"queue_id" validate:"required,canonical_queue"`
	SLAID            string   `json:"sla_id" validate:"required,canonical_sla"`
	Priority         int      `json:"priority"`
	Actions          []string `json:"actions" validate:"dive,canonical_action"`
	RuleID           string   `json:"rule_id" validate:"required"`
	RulesetVersion   string   `json:"ruleset_version" validate:"required"`
	FailClosed       bool     `json:"fail_closed"`
	FailClosedReason string   `json:"fail_closed_reason,omitempty"`
	DecisionHash     string   `json:"decision_hash" validate:"required,prefixed_sha256"`
}

// Evaluate walks the fixed order: incident gates, hard risk overrides,
// privacy, identity review, product/intent table, fail-closed fallback; then
// applies the block-case-create incident toggle.
func Evaluate(binding determinism.Binding, rs *Ruleset, gates incident.Gates, ctx Context, messageID, runID, fingerprint, rawSHA256 string) (*Decision, error) {
	outcome, ruleID := evaluate(rs, gates, ctx)

	// Incident toggle: strip case creation when a listed risk flag is live.
	if blocked := gates.BlockedByRiskFlags(riskFlagList(ctx.RiskFlags)); blocked {
		outcome.Actions = withoutAction(outcome.Actions, string(canonical.ActionCreateCase))
		outcome.Actions = prependActionOnce(outcome.Actions, string(canonical.ActionBlockCaseCreate))
		outcome.FailClosed = true
		if outcome.FailClosedReason == "" {
			outcome.FailClosedReason = "incident_block_case_create"
		}
	}

	decision := &Decision{
		SchemaID:         canonical.SchemaRoutingDecision,
		MessageID:        messageID,
		RunID:            runID,
		QueueID:          outcome.QueueID,
		SLAID:            outcome.SLAID,
		Priority:         outcome.Priority,
		Actions:          outcome.Actions,
		RuleID:           ruleID,
		RulesetVersion:   rs.Version,
		FailClosed:       outcome.FailClosed,
		FailClosedReason: outcome.FailClosedReason,
	}

	hash, err := decisionHash(binding, rs, ctx, decision, fingerprint, rawSHA256)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, string(canonical.StageRoute),
			"decision_hash_failed", "compute route decision hash")
	}
	decision.DecisionHash = hash
	return decision, nil
}

func evaluate(rs *Ruleset, gates incident.Gates, ctx Context) (Outcome, string) {
	// 1. Incident force-review gate.
	if gates.ForceReview {
		queue := gates.ForceReviewQueueID
		if !canonical.Queue(queue).IsValid() {
			queue = string(canonical.QueueIntakeReviewGeneral)
		}
		return Outcome{
			QueueID:          queue,
			SLAID:            string(canonical.SLA1BD),
			Actions:          []string{string(canonical.ActionAttachOriginalEmail)},
			FailClosed:       true,
			FailClosedReason: "incident_force_review",
		}, "INCIDENT_FORCE_REVIEW"
	}

	// 2. Hard risk overrides, in canonical order.
	for _, override := range canonical.RiskOverrides {
		if !ctx.RiskFlags[override.Flag] {
			continue
		}
		actions := []string{string(canonical.ActionAttachOriginalEmail)}
		if override.BlockCase {
			actions = append([]string{string(canonical.ActionBlockCaseCreate)}, actions...)
		} else {
			actions = append(actions, string(canonical.ActionCreateCase))
		}
		if override.HumanEscalate {
			actions = append(actions, string(canonical.ActionHumanEscalation))
		}
		return Outcome{
			QueueID:  string(override.Queue),
			SLAID:    string(override.SLA),
			Priority: 1000,
			Actions:  actions,
		}, "RISK_OVERRIDE_" + string(override.Flag)
	}

	// 3. Privacy/GDPR requests bypass the table.
	if ctx.PrimaryIntent == canonical.IntentGDPRRequest {
		return Outcome{
			QueueID:  string(canonical.QueuePrivacyDSR),
			SLAID:    string(canonical.SLA1BD),
			Priority: 900,
			Actions: []string{
				string(canonical.ActionCreateCase),
				string(canonical.ActionAttachOriginalEmail),
			},
		}, "PRIVACY_DSR"
	}

	// 4a. A classification that failed closed goes to its review queue.
	if ctx.ClassifyFailClosed {
		reason := ctx.ClassifyFailReason
		if reason == "" {
			reason = "classification_failed_closed"
		}
		return Outcome{
			QueueID:          string(canonical.QueueClassificationReview),
			SLAID:            string(canonical.SLA1BD),
			Actions:          []string{string(canonical.ActionAttachOriginalEmail)},
			FailClosed:       true,
			FailClosedReason: reason,
		}, "CLASSIFY_FAIL_CLOSED"
	}

	// 4b. Identity needs-review modifier: review queue, request-info draft
	// when a template is available, no case creation.
	if ctx.IdentityStatus == canonical.IdentityNeedsReview || ctx.IdentityStatus == canonical.IdentityNoCandidate {
		actions := []string{string(canonical.ActionAttachOriginalEmail)}
		if ctx.RequestInfoAvailable {
			actions = append(actions, string(canonical.ActionAddRequestInfoDraft))
		}
		return Outcome{
			QueueID:          string(canonical.QueueIdentityReview),
			SLAID:            string(canonical.SLA1BD),
			Actions:          actions,
			FailClosed:       true,
			FailClosedReason: "identity_" + failReasonFor(ctx.IdentityStatus),
		}, "IDENTITY_REVIEW"
	}

	// 4c. Unknown product with a service intent and no authoritative
	// identifier cannot be routed to a product queue.
	if ctx.ProductLine == canonical.ProdUnknown && serviceIntent(ctx.PrimaryIntent) && !ctx.HasAuthoritativeProduct {
		return Outcome{
			QueueID:          string(canonical.QueueUnknownProductReview),
			SLAID:            string(canonical.SLA1BD),
			Actions:          []string{string(canonical.ActionAttachOriginalEmail)},
			FailClosed:       true,
			FailClosedReason: "product_unknown",
		}, "UNKNOWN_PRODUCT"
	}

	// 5. Product/intent rules, first match by priority.
	for _, rule := range rs.Rules {
		if rule.When.Matches(ctx) {
			return rule.Then, rule.RuleID
		}
	}

	// 6. Fail-closed fallback.
	fallback := rs.Fallback
	fallback.FailClosed = true
	if fallback.FailClosedReason == "" {
		fallback.FailClosedReason = "no_rule_match"
	}
	return fallback, "ROUTE_FALLBACK"
}

func serviceIntent(intent canonical.Intent) bool {
	switch intent {
	case canonical.IntentClaimNew, canonical.IntentClaimUpdate,
		canonical.IntentPolicyCancellation, canonical.IntentPolicyChange,
		canonical.IntentCoverageQuestion:
		return true
	}
	return false
}

func failReasonFor(status canonical.IdentityStatus) string {
	if status == canonical.IdentityNoCandidate {
		return "no_candidate"
	}
	return "needs_review"
}

func withoutAction(actions []string, drop string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		if a != drop {
			out = append(out, a)
		}
	}
	return out
}

func prependActionOnce(actions []string, action string) []string {
	for _, a := range actions {
		if a == action {
			return actions
		}
	}
	return append([]string{action}, actions...)
}

func riskFlagList(flags map[canonical.RiskFlag]bool) []string {
	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

func decisionHash(binding determinism.Binding, rs *Ruleset, ctx Context, d *Decision, fingerprint, rawSHA256 string) (string, error) {
	input := binding.InputHeader(string(canonical.StageRoute), fingerprint, rawSHA256)
	input["rules_ref"] = map[string]any{
		"path":    rs.Path,
		"sha256":  rs.SHA256,
		"version": rs.Version,
	}
	input["input"] = map[string]any{
		"identity_status": string(ctx.IdentityStatus),
		"primary_intent":  string(ctx.PrimaryIntent),
		"product_line":    string(ctx.ProductLine),
		"urgency":         string(ctx.Urgency),
		"risk_flags":      riskFlagList(ctx.RiskFlags),
	}
	input["decision"] = map[string]any{
		"queue_id":           d.QueueID,
		"sla_id":             d.SLAID,
		"priority":           d.Priority,
		"actions":            append([]string{}, d.Actions...),
		"rule_id":            d.RuleID,
		"fail_closed":        d.FailClosed,
		"fail_closed_reason": d.FailClosedReason,
	}
	return determinism.DecisionHash(input)
}
