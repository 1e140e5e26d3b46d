// Package casefile is the case/ticket system port plus the timestamp-free
// idempotency key that makes create_or_update safe under redelivery.
package casefile

import (
	"context"

	"intake/internal/artifact"
	"intake/internal/determinism"
)

// Payload is the case the adapter creates or updates.
type Payload struct {
	QueueID   string         `json:"queue_id"`
	SLAID     string         `json:"sla_id"`
	Priority  int            `json:"priority"`
	MessageID string         `json:"message_id"`
	Artifacts []artifact.Ref `json:"artifacts"`
}

// Adapter is the case system port.
type Adapter interface {
	CreateOrUpdate(ctx context.Context, idempotencyKey string, payload Payload) (caseID string, err error)
	Attach(ctx context.Context, caseID string, ref artifact.Ref) error
	AddDraft(ctx context.Context, caseID string, draft string) error
}

// IdempotencyKey derives the stable key from routing context. No timestamp,
// no run id: a replayed CREATE_CASE for the same decision is a no-op.
func IdempotencyKey(messageFingerprint, ruleID, rulesetVersion, operation string) string {
	raw := messageFingerprint + "|" + ruleID + "|" + rulesetVersion + "|" + operation
	return "idem:" + determinism.HexPart(determinism.SHA256Text(raw))
}
