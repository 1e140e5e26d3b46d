package route

import (
	"intake/internal/canonical"
	"intake/internal/determinism"
)

// ReviewQueueFor maps a failing stage to its review queue.
func ReviewQueueFor(stage canonical.Stage) canonical.Queue {
	switch stage {
	case canonical.StageIdentity:
		return canonical.QueueIdentityReview
	case canonical.StageClassify, canonical.StageExtract:
		return canonical.QueueClassificationReview
	default:
		return canonical.QueueIntakeReviewGeneral
	}
}

// FailClosedDecision is the backstop routing artifact for a stage that could
// not produce a schema-valid output: review queue per stage, no case
// creation, reason recorded.
func FailClosedDecision(binding determinism.Binding, rs *Ruleset, failedStage canonical.Stage, reason, messageID, runID, fingerprint, rawSHA256 string) (*Decision, error) {
	decision := &Decision{
		SchemaID:         canonical.SchemaRoutingDecision,
		MessageID:        messageID,
		RunID:            runID,
		QueueID:          string(ReviewQueueFor(failedStage)),
		SLAID:            string(canonical.SLA1BD),
		Actions:          []string{string(canonical.ActionAttachOriginalEmail)},
		RuleID:           "FAIL_CLOSED_" + string(failedStage),
		RulesetVersion:   rs.Version,
		FailClosed:       true,
		FailClosedReason: reason,
	}
	hash, err := decisionHash(binding, rs, Context{}, decision, fingerprint, rawSHA256)
	if err != nil {
		return nil, err
	}
	decision.DecisionHash = hash
	return decision, nil
}
