//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a testcontainers Postgres instance with the intake
// schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DB        *sql.DB
}

// Schema is the full store schema: artifact blobs/index, audit chains, and
// correction records.
const Schema = `
CREATE TABLE IF NOT EXISTS artifact_blobs (
    sha256 TEXT PRIMARY KEY,
    data   BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS artifact_index (
    message_id TEXT NOT NULL,
    stage      TEXT NOT NULL,
    seq        BIGSERIAL,
    schema_id  TEXT NOT NULL,
    uri        TEXT NOT NULL,
    sha256     TEXT NOT NULL REFERENCES artifact_blobs (sha256),
    UNIQUE (message_id, stage, schema_id, uri, sha256)
);
CREATE TABLE IF NOT EXISTS audit_events (
    message_id TEXT NOT NULL,
    run_id     TEXT NOT NULL,
    seq        BIGSERIAL,
    event_id   TEXT NOT NULL,
    event_hash TEXT NOT NULL,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, run_id, seq),
    UNIQUE (message_id, run_id, event_id)
);
CREATE TABLE IF NOT EXISTS correction_records (
    correction_id TEXT PRIMARY KEY,
    message_id    TEXT NOT NULL,
    run_id        TEXT NOT NULL,
    seq           BIGSERIAL,
    payload       JSONB NOT NULL
);
`

// NewPostgresContainer starts Postgres and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("intake"),
		tcpostgres.WithUsername("intake"),
		tcpostgres.WithPassword("intake"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres dsn: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(context.Background())
	})

	return &PostgresContainer{Container: container, DB: db}
}

// TruncateTables empties the given tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		if _, err := p.DB.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return err
		}
	}
	return nil
}
