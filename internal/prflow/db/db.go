// Package db is the durable store for the workflow scheduler: a single-file
// SQLite database holding workflow items, advisory locks, and the sync and
// dispatch audit trails. One process writes; cross-process exclusion is done
// with the advisory lock table, not SQLite locking.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_items (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	github_state TEXT NOT NULL DEFAULT 'open',
	status TEXT NOT NULL,
	action TEXT NOT NULL,

	head_sha TEXT NOT NULL DEFAULT '',
	head_ref_name TEXT NOT NULL DEFAULT '',
	last_reviewed_sha TEXT NOT NULL DEFAULT '',
	reviews_json TEXT NOT NULL DEFAULT '{}',
	labels_json TEXT NOT NULL DEFAULT '[]',
	all_reviewers_approved INTEGER NOT NULL DEFAULT 0,
	any_changes_requested INTEGER NOT NULL DEFAULT 0,
	sha_matches_review INTEGER NOT NULL DEFAULT 0,
	has_conflicts INTEGER NOT NULL DEFAULT 0,

	last_review_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_fix_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_merge_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_conflict_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_status_fix_dispatch_sha TEXT NOT NULL DEFAULT '',
	last_head_sha_seen TEXT NOT NULL DEFAULT '',

	iteration INTEGER NOT NULL DEFAULT 0,
	max_iterations INTEGER NOT NULL DEFAULT 5,
	priority INTEGER NOT NULL DEFAULT 0,

	assigned_agent TEXT NOT NULL DEFAULT '',
	lock_expires TEXT NOT NULL DEFAULT '',

	created_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT '',
	last_sync TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_action ON workflow_items(action);
CREATE INDEX IF NOT EXISTS idx_items_status ON workflow_items(status);
CREATE INDEX IF NOT EXISTS idx_items_kind ON workflow_items(kind);
CREATE INDEX IF NOT EXISTS idx_items_repo ON workflow_items(repo);

CREATE TABLE IF NOT EXISTS locks (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_locks_expires_at ON locks(expires_at);

CREATE TABLE IF NOT EXISTS sync_log (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	items_synced INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS dispatch_events (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	action TEXT NOT NULL,
	head_sha TEXT NOT NULL DEFAULT '',
	agent TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	dispatched_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_item ON dispatch_events(item_id);
`

// DefaultPath returns the default database location (~/.prflow/workflow.db),
// creating the directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".prflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "workflow.db"), nil
}

func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	// Migrations for existing databases: add columns that may not exist yet.
	// ALTER TABLE ADD COLUMN errors are silently ignored (column already exists).
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN author TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN labels_json TEXT NOT NULL DEFAULT '[]'`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN head_ref_name TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN last_status_fix_dispatch_sha TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN last_head_sha_seen TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN priority INTEGER NOT NULL DEFAULT 0`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN assigned_agent TEXT NOT NULL DEFAULT ''`)
	conn.Exec(`ALTER TABLE workflow_items ADD COLUMN lock_expires TEXT NOT NULL DEFAULT ''`)

	return &DB{conn: conn, path: path}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path this store was opened with.
func (db *DB) Path() string {
	return db.path
}

// Tx runs fn within a database transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (db *DB) Tx(fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// Tx wraps a sql.Tx for use within transactional operations.
type Tx struct {
	tx *sql.Tx
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
