package audit

import (
	"context"
	"fmt"
	"log/slog"

	"intake/internal/artifact"
	"intake/internal/canonical"
	"intake/internal/canonical/jcs"
	"intake/pkg/fault"
)

// Store is the audit store port. Append must be atomic: the event is either
// durably the new chain head or not written at all.
type Store interface {
	Append(ctx context.Context, event Event) error
	ReadChain(ctx context.Context, messageID, runID string) ([]Event, error)
	// Head returns the chain's last event hash, or sentinel.ErrNotFound for
	// an empty chain.
	Head(ctx context.Context, messageID, runID string) (string, error)
}

// Lease is the per-chain mutual-exclusion port. A worker holds the lease for
// the duration of a stage so the read-head-then-append sequence is safe.
type Lease interface {
	Acquire(ctx context.Context, chainKey string) (release func(), err error)
}

// Logger appends events under the chain lease and hands out verification.
type Logger struct {
	store  Store
	lease  Lease
	logger *slog.Logger
}

type LoggerOption func(*Logger)

func WithLogger(l *slog.Logger) LoggerOption {
	return func(lg *Logger) { lg.logger = l }
}

func NewLogger(store Store, lease Lease, opts ...LoggerOption) (*Logger, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if lease == nil {
		return nil, fmt.Errorf("chain lease is required")
	}
	lg := &Logger{store: store, lease: lease, logger: slog.Default()}
	for _, opt := range opts {
		opt(lg)
	}
	return lg, nil
}

// Append links the event to the chain head and persists it. The event id is
// derived if unset; prev/event hashes are always computed here.
func (l *Logger) Append(ctx context.Context, event Event) (Event, error) {
	if event.MessageID == "" || event.RunID == "" {
		return Event{}, fault.New(fault.KindValidation, string(event.Stage), "audit_event_incomplete",
			"audit event missing message_id/run_id")
	}
	if event.SchemaID == "" {
		event.SchemaID = canonical.SchemaAuditEvent
	}
	if event.EventID == "" {
		event.EventID = NewEventID(event.MessageID, event.RunID, event.Stage, event.OutputRef.SHA256)
	}

	release, err := l.lease.Acquire(ctx, chainKey(event.MessageID, event.RunID))
	if err != nil {
		return Event{}, fault.Wrap(err, fault.KindDependencyUnavailable, string(event.Stage),
			"audit_lease_unavailable", "acquire chain lease")
	}
	defer release()

	head, err := l.store.Head(ctx, event.MessageID, event.RunID)
	switch {
	case err == nil:
		event.PrevEventHash = head
	case isNotFound(err):
		event.PrevEventHash = genesisPrevHash
	default:
		return Event{}, fault.Wrap(err, fault.KindDependencyUnavailable, string(event.Stage),
			"audit_store_unavailable", "read chain head")
	}

	event.EventHash = event.ComputeHash()

	if err := artifact.ValidateStruct(event); err != nil {
		return Event{}, fault.Wrap(err, fault.KindValidation, string(event.Stage),
			"audit_event_invalid", "validate audit event")
	}
	if err := l.store.Append(ctx, event); err != nil {
		return Event{}, fault.Wrap(err, fault.KindDependencyUnavailable, string(event.Stage),
			"audit_store_unavailable", "append audit event")
	}

	l.logger.DebugContext(ctx, "audit event appended",
		"message_id", event.MessageID,
		"run_id", event.RunID,
		"stage", event.Stage,
		"event_hash", event.EventHash,
	)
	return event, nil
}

// ReadChain returns the full chain for (messageID, runID).
func (l *Logger) ReadChain(ctx context.Context, messageID, runID string) ([]Event, error) {
	return l.store.ReadChain(ctx, messageID, runID)
}

func chainKey(messageID, runID string) string {
	return messageID + "/" + runID
}

func mustJCS(v map[string]any) []byte {
	return jcs.MustBytes(v)
}
