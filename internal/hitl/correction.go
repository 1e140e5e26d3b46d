// Package hitl is the correction sink: append-only, versioned correction
// records submitted by reviewers and linked into the audit chain. Corrections
// never mutate earlier artifacts; a later reprocess run consumes them.
package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"intake/internal/artifact"
	"intake/internal/audit"
	"intake/internal/canonical"
	"intake/internal/canonical/jcs"
	"intake/internal/determinism"
	"intake/pkg/fault"
)

// Patch is one field-level correction.
type Patch struct {
	Path     string `json:"path" validate:"required"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value" validate:"required"`
}

// Record is the correction artifact.
type Record struct {
	SchemaID     string         `json:"schema_id" validate:"required"`
	CorrectionID string         `json:"correction_id" validate:"required"`
	MessageID    string         `json:"message_id" validate:"required"`
	RunID        string         `json:"run_id" validate:"required"`
	ReviewItemID string         `json:"review_item_id,omitempty"`
	ActorID      string         `json:"actor_id" validate:"required"`
	CreatedAt    time.Time      `json:"created_at" validate:"required"`
	Note         string         `json:"note,omitempty"`
	ArtifactRefs []artifact.Ref `json:"artifact_refs" validate:"required,min=1,dive"`
	Patches      []Patch        `json:"patches" validate:"required,min=1,dive"`
}

// Store is the correction store port; append-only.
type Store interface {
	Append(ctx context.Context, record Record) error
	ListByMessage(ctx context.Context, messageID string) ([]Record, error)
}

// Sink validates corrections, persists them, and links them into the audit
// chain as HITL events.
type Sink struct {
	store  Store
	logger *audit.Logger
	slog   *slog.Logger
}

type SinkOption func(*Sink)

func WithLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) { s.slog = l }
}

func NewSink(store Store, auditLogger *audit.Logger, opts ...SinkOption) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("correction store is required")
	}
	if auditLogger == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	s := &Sink{store: store, logger: auditLogger, slog: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit appends the correction record and its HITL audit event. The audit
// event's output ref points at the correction record by content address.
func (s *Sink) Submit(ctx context.Context, record Record) (Record, error) {
	record.SchemaID = canonical.SchemaCorrectionRecord
	record.CreatedAt = record.CreatedAt.UTC().Truncate(time.Second)
	if record.CorrectionID == "" {
		record.CorrectionID = deriveCorrectionID(record)
	}
	if err := artifact.ValidateStruct(record); err != nil {
		return Record{}, fault.Wrap(err, fault.KindValidation, string(canonical.StageHITL),
			"correction_invalid", "validate correction record")
	}
	if err := s.store.Append(ctx, record); err != nil {
		return Record{}, fault.Wrap(err, fault.KindDependencyUnavailable, string(canonical.StageHITL),
			"correction_store_unavailable", "append correction record")
	}

	outputRef := artifact.Ref{
		SchemaID: canonical.SchemaCorrectionRecord,
		URI:      "corrections/" + record.CorrectionID,
		SHA256:   recordSHA256(record),
	}
	_, err := s.logger.Append(ctx, audit.Event{
		MessageID: record.MessageID,
		RunID:     record.RunID,
		Stage:     canonical.StageHITL,
		ActorType: audit.ActorReviewer,
		ActorID:   record.ActorID,
		CreatedAt: record.CreatedAt,
		InputRef:  record.ArtifactRefs[0],
		OutputRef: outputRef,
	})
	if err != nil {
		return Record{}, err
	}

	s.slog.InfoContext(ctx, "correction recorded",
		"message_id", record.MessageID,
		"correction_id", record.CorrectionID,
		"patches", len(record.Patches),
	)
	return record, nil
}

// ListByMessage returns corrections for offline reprocessing.
func (s *Sink) ListByMessage(ctx context.Context, messageID string) ([]Record, error) {
	return s.store.ListByMessage(ctx, messageID)
}

func deriveCorrectionID(r Record) string {
	patches := make([]any, 0, len(r.Patches))
	for _, p := range r.Patches {
		patches = append(patches, map[string]any{
			"path": p.Path, "old_value": p.OldValue, "new_value": p.NewValue,
		})
	}
	name := "correction:" + r.MessageID + ":" + r.RunID + ":" + r.ReviewItemID + ":" +
		r.ActorID + ":" + r.CreatedAt.Format(time.RFC3339) + ":" +
		determinism.SHA256(jcs.MustBytes(map[string]any{"patches": patches}))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func recordSHA256(r Record) string {
	patches := make([]any, 0, len(r.Patches))
	for _, p := range r.Patches {
		patches = append(patches, map[string]any{
			"path": p.Path, "old_value": p.OldValue, "new_value": p.NewValue,
		})
	}
	refs := make([]any, 0, len(r.ArtifactRefs))
	for _, ref := range r.ArtifactRefs {
		refs = append(refs, map[string]any{
			"schema_id": ref.SchemaID, "uri": ref.URI, "sha256": ref.SHA256,
		})
	}
	return determinism.SHA256(jcs.MustBytes(map[string]any{
		"correction_id":  r.CorrectionID,
		"message_id":     r.MessageID,
		"run_id":         r.RunID,
		"review_item_id": r.ReviewItemID,
		"actor_id":       r.ActorID,
		"note":           r.Note,
		"artifact_refs":  refs,
		"patches":        patches,
	}))
}
