// Package store is the durable, single-writer backing store for workflow
// items, advisory locks, and the sync/dispatch audit trails.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_items (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	github_state TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	last_sync TEXT NOT NULL DEFAULT (datetime('now')),
	head_sha TEXT NOT NULL DEFAULT '',
	head_ref_name TEXT NOT NULL DEFAULT '',
	last_reviewed_sha TEXT NOT NULL DEFAULT '',
	reviews TEXT NOT NULL DEFAULT '{}',
	all_reviewers_approved INTEGER NOT NULL DEFAULT 0,
	any_changes_requested INTEGER NOT NULL DEFAULT 0,
	sha_matches_review INTEGER NOT NULL DEFAULT 0,
	has_conflicts INTEGER NOT NULL DEFAULT 0,
	last_review_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_fix_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_merge_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_conflict_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_status_fix_dispatch_sha TEXT NOT NULL DEFAULT '',
	iteration INTEGER NOT NULL DEFAULT 0,
	max_iterations INTEGER NOT NULL DEFAULT 5,
	assigned_agent TEXT NOT NULL DEFAULT '',
	lock_expires TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_workflow_items_repo_kind ON workflow_items(repo, kind);
CREATE INDEX IF NOT EXISTS idx_workflow_items_action ON workflow_items(action);

CREATE TABLE IF NOT EXISTS locks (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	scanned INTEGER NOT NULL DEFAULT 0,
	eligible INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS dispatch_events (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	action TEXT NOT NULL,
	revision TEXT NOT NULL DEFAULT '',
	agent TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dispatch_events_item ON dispatch_events(item_id);
`

// DefaultPath returns the default database location under the user's home
// directory, creating the parent directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".prsched")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "prsched.db"), nil
}

// Open opens (creating if necessary) the SQLite-backed store at path and
// applies the schema plus any additive migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	applyMigrations(conn)

	return &DB{conn: conn}, nil
}

// applyMigrations adds columns introduced after the initial schema. Each
// ALTER TABLE is best-effort: an "already exists" failure means a prior
// process already applied it.
func applyMigrations(conn *sql.DB) {
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN dev_agent_suggestion TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN labels TEXT NOT NULL DEFAULT '[]'`)
}

func (d *DB) Close() error {
	return d.conn.Close()
}

// Tx runs fn within a single database transaction, committing on success and
// rolling back if fn returns an error.
func (d *DB) Tx(fn func(tx *Tx) error) error {
	sqlTx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// Tx wraps a *sql.Tx for use by transactional store operations.
type Tx struct {
	tx *sql.Tx
}
