package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists correction records.
//
//	CREATE TABLE correction_records (
//	    correction_id TEXT PRIMARY KEY,
//	    message_id    TEXT NOT NULL,
//	    run_id        TEXT NOT NULL,
//	    seq           BIGSERIAL,
//	    payload       JSONB NOT NULL
//	);
//
// Append-only by construction: idempotent insert, no update path.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal correction record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO correction_records (correction_id, message_id, run_id, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (correction_id) DO NOTHING`,
		record.CorrectionID, record.MessageID, record.RunID, payload,
	)
	if err != nil {
		return fmt.Errorf("insert correction record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByMessage(ctx context.Context, messageID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM correction_records WHERE message_id = $1 ORDER BY seq ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query correction records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan correction record: %w", err)
		}
		var record Record
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("unmarshal correction record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate correction records: %w", err)
	}
	return records, nil
}
