package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/repository/sqlstore"
)

const schemaLockID = int64(2026101901)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// NewStore returns the status store and output ledger over a pgx database.
func NewStore(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, sqlstore.Postgres)
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_locator TEXT NOT NULL,
	content_ref TEXT NOT NULL DEFAULT '',
	segment_count INTEGER NOT NULL DEFAULT 0,
	acquire_status TEXT NOT NULL DEFAULT 'pending',
	acquire_started_at TIMESTAMPTZ,
	acquire_completed_at TIMESTAMPTZ,
	acquire_error TEXT NOT NULL DEFAULT '',
	segment_status TEXT NOT NULL DEFAULT 'pending',
	segment_started_at TIMESTAMPTZ,
	segment_completed_at TIMESTAMPTZ,
	segment_error TEXT NOT NULL DEFAULT '',
	transform_status TEXT NOT NULL DEFAULT 'pending',
	transform_started_at TIMESTAMPTZ,
	transform_completed_at TIMESTAMPTZ,
	transform_error TEXT NOT NULL DEFAULT '',
	synthesize_status TEXT NOT NULL DEFAULT 'pending',
	synthesize_started_at TIMESTAMPTZ,
	synthesize_completed_at TIMESTAMPTZ,
	synthesize_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (acquire_status IN ('pending','in_progress','complete','failed')),
	CHECK (segment_status IN ('pending','in_progress','complete','failed')),
	CHECK (transform_status IN ('pending','in_progress','complete','failed')),
	CHECK (synthesize_status IN ('pending','in_progress','complete','failed'))
);

CREATE TABLE IF NOT EXISTS segments (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	source_ref TEXT NOT NULL,
	transform_status TEXT NOT NULL DEFAULT 'pending',
	transform_started_at TIMESTAMPTZ,
	transform_completed_at TIMESTAMPTZ,
	transform_error TEXT NOT NULL DEFAULT '',
	transform_output_ref TEXT NOT NULL DEFAULT '',
	transform_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	transform_size_bytes BIGINT NOT NULL DEFAULT 0,
	synthesize_status TEXT NOT NULL DEFAULT 'pending',
	synthesize_started_at TIMESTAMPTZ,
	synthesize_completed_at TIMESTAMPTZ,
	synthesize_error TEXT NOT NULL DEFAULT '',
	synthesize_output_ref TEXT NOT NULL DEFAULT '',
	synthesize_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	synthesize_size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, ordinal),
	CHECK (transform_status IN ('pending','in_progress','complete','failed')),
	CHECK (synthesize_status IN ('pending','in_progress','complete','failed'))
);

CREATE TABLE IF NOT EXISTS events (
	seq BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL DEFAULT '',
	segment_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	detail JSONB NOT NULL DEFAULT '{}'::jsonb,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_outputs (
	idempotency_key TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	segment_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	output_ref TEXT NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_document ON segments(document_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_events_document ON events(document_id, seq);
CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at DESC);
`
