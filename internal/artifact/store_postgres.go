package artifact

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"intake/internal/determinism"
	"intake/pkg/sentinel"
)

// PostgresStore persists artifacts in two tables: artifact_blobs holds the
// content-addressed bytes, artifact_index maps (message_id, stage) to refs.
//
//	CREATE TABLE artifact_blobs (
//	    sha256     TEXT PRIMARY KEY,
//	    data       BYTEA NOT NULL
//	);
//	CREATE TABLE artifact_index (
//	    message_id TEXT NOT NULL,
//	    stage      TEXT NOT NULL,
//	    seq        BIGSERIAL,
//	    schema_id  TEXT NOT NULL,
//	    uri        TEXT NOT NULL,
//	    sha256     TEXT NOT NULL REFERENCES artifact_blobs (sha256),
//	    UNIQUE (message_id, stage, schema_id, uri, sha256)
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, messageID, stage string, ref Ref, data []byte) error {
	if actual := determinism.SHA256(data); actual != ref.SHA256 {
		return fmt.Errorf("artifact %s: content digest mismatch: %w", ref.URI, sentinel.ErrImmutability)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifact tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_blobs (sha256, data) VALUES ($1, $2) ON CONFLICT (sha256) DO NOTHING`,
		ref.SHA256, data,
	)
	if err != nil {
		return fmt.Errorf("insert artifact blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the write-if-absent race or re-running; the existing bytes
		// must be identical under the same address.
		var existing []byte
		if err := tx.QueryRowContext(ctx,
			`SELECT data FROM artifact_blobs WHERE sha256 = $1`, ref.SHA256,
		).Scan(&existing); err != nil {
			return fmt.Errorf("read back artifact blob: %w", err)
		}
		if !bytes.Equal(existing, data) {
			return fmt.Errorf("artifact %s: %w", ref.URI, sentinel.ErrImmutability)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_index (message_id, stage, schema_id, uri, sha256)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id, stage, schema_id, uri, sha256) DO NOTHING`,
		messageID, stage, ref.SchemaID, ref.URI, ref.SHA256,
	); err != nil {
		return fmt.Errorf("insert artifact index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifact_blobs WHERE sha256 = $1`, ref.SHA256,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", ref.URI, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact blob: %w", err)
	}
	return data, nil
}

// PostgresBlobStore keeps raw message and attachment bytes in the same
// content-addressed blob table.
type PostgresBlobStore struct {
	db *sql.DB
}

func NewPostgresBlobStore(db *sql.DB) *PostgresBlobStore {
	return &PostgresBlobStore{db: db}
}

func (s *PostgresBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	sha := determinism.SHA256(data)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifact_blobs (sha256, data) VALUES ($1, $2) ON CONFLICT (sha256) DO NOTHING`,
		sha, data,
	)
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return sha, nil
}

func (s *PostgresBlobStore) Get(ctx context.Context, sha string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifact_blobs WHERE sha256 = $1`, sha,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", sha, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query blob: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) ListByMessage(ctx context.Context, messageID, stage string) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schema_id, uri, sha256 FROM artifact_index
		 WHERE message_id = $1 AND stage = $2
		 ORDER BY seq ASC`,
		messageID, stage,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifact index: %w", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.SchemaID, &ref.URI, &ref.SHA256); err != nil {
			return nil, fmt.Errorf("scan artifact ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact refs: %w", err)
	}
	return refs, nil
}
