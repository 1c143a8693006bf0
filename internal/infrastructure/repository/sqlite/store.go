package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/repository/sqlstore"
)

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewStore returns the status store and output ledger over a SQLite database.
func NewStore(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, sqlstore.SQLite)
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_locator TEXT NOT NULL,
	content_ref TEXT NOT NULL DEFAULT '',
	segment_count INTEGER NOT NULL DEFAULT 0,
	acquire_status TEXT NOT NULL DEFAULT 'pending' CHECK (acquire_status IN ('pending','in_progress','complete','failed')),
	acquire_started_at TEXT,
	acquire_completed_at TEXT,
	acquire_error TEXT NOT NULL DEFAULT '',
	segment_status TEXT NOT NULL DEFAULT 'pending' CHECK (segment_status IN ('pending','in_progress','complete','failed')),
	segment_started_at TEXT,
	segment_completed_at TEXT,
	segment_error TEXT NOT NULL DEFAULT '',
	transform_status TEXT NOT NULL DEFAULT 'pending' CHECK (transform_status IN ('pending','in_progress','complete','failed')),
	transform_started_at TEXT,
	transform_completed_at TEXT,
	transform_error TEXT NOT NULL DEFAULT '',
	synthesize_status TEXT NOT NULL DEFAULT 'pending' CHECK (synthesize_status IN ('pending','in_progress','complete','failed')),
	synthesize_started_at TEXT,
	synthesize_completed_at TEXT,
	synthesize_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	source_ref TEXT NOT NULL,
	transform_status TEXT NOT NULL DEFAULT 'pending' CHECK (transform_status IN ('pending','in_progress','complete','failed')),
	transform_started_at TEXT,
	transform_completed_at TEXT,
	transform_error TEXT NOT NULL DEFAULT '',
	transform_output_ref TEXT NOT NULL DEFAULT '',
	transform_duration_seconds REAL NOT NULL DEFAULT 0,
	transform_size_bytes INTEGER NOT NULL DEFAULT 0,
	synthesize_status TEXT NOT NULL DEFAULT 'pending' CHECK (synthesize_status IN ('pending','in_progress','complete','failed')),
	synthesize_started_at TEXT,
	synthesize_completed_at TEXT,
	synthesize_error TEXT NOT NULL DEFAULT '',
	synthesize_output_ref TEXT NOT NULL DEFAULT '',
	synthesize_duration_seconds REAL NOT NULL DEFAULT 0,
	synthesize_size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (document_id, ordinal)
);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL DEFAULT '',
	segment_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}',
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_outputs (
	idempotency_key TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	segment_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	output_ref TEXT NOT NULL,
	duration_seconds REAL NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_document ON segments(document_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_events_document ON events(document_id, seq);
`
