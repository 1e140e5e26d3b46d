package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"intake/pkg/sentinel"
)

// PostgresStore persists audit chains.
//
//	CREATE TABLE audit_events (
//	    message_id TEXT NOT NULL,
//	    run_id     TEXT NOT NULL,
//	    seq        BIGSERIAL,
//	    event_id   TEXT NOT NULL,
//	    event_hash TEXT NOT NULL,
//	    payload    JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (message_id, run_id, seq),
//	    UNIQUE (message_id, run_id, event_id)
//	);
//
// The append is idempotent on event_id: a replayed append of the same event
// is ignored. Events are never updated or deleted here; retention deletes go
// through the explicit policy job only.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (message_id, run_id, event_id, event_hash, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id, run_id, event_id) DO NOTHING`,
		event.MessageID, event.RunID, event.EventID, event.EventHash, payload,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReadChain(ctx context.Context, messageID, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM audit_events
		 WHERE message_id = $1 AND run_id = $2
		 ORDER BY seq ASC`,
		messageID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("unmarshal audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit chain: %w", err)
	}
	return events, nil
}

// PurgeBefore removes whole chains whose newest event predates the cutoff.
// Only the retention job calls this; partial chains are never removed.
func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events
		 WHERE (message_id, run_id) IN (
		     SELECT message_id, run_id FROM audit_events
		     GROUP BY message_id, run_id
		     HAVING max(created_at) < $1
		 )`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) Head(ctx context.Context, messageID, runID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_hash FROM audit_events
		 WHERE message_id = $1 AND run_id = $2
		 ORDER BY seq DESC LIMIT 1`,
		messageID, runID,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("chain %s/%s: %w", messageID, runID, sentinel.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query chain head: %w", err)
	}
	return hash, nil
}
