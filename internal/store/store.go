// Package store is the supervisor's single-writer SQLite durable state:
// tasks, the integration queue, per-phase outputs, sessions, proposals,
// events, and a generic key/value table. Every record is owned by the
// Store; callers receive value copies.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// schemaVersionLatest gates the richer of the two schemas mentioned in
	// spec.md §9 (Open Question, resolved): max_attempts defaults to 5 and
	// the migration ladder below is the complete one.
	schemaVersionLatest = 2

	defaultMaxAttempts = 5

	retryBaseDelay = 20 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// Store wraps a single SQLite database handle. All writers serialize
// through SQLite's own locking; retryOnBusy absorbs transient
// SQLITE_BUSY/SQLITE_LOCKED contention with bounded jittered backoff.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs the
// idempotent migration ladder. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer: avoid SQLITE_BUSY storms across goroutines
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components (e.g. internal/audit)
// that mirror writes into a store-owned table outside this package's API.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies the schema in the teacher's idempotent-ladder idiom:
// CREATE TABLE IF NOT EXISTS, then a backfill list of ALTER TABLE ADD
// COLUMN statements each attempted and silently accepted if already
// applied, then CREATE INDEX IF NOT EXISTS, with the schema-version
// counter written last (spec.md §4.1).
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			repo_path TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			creator TEXT NOT NULL DEFAULT 'director',
			notify_channel TEXT NOT NULL DEFAULT '',
			resume_session_id TEXT NOT NULL DEFAULT '',
			dispatched_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			branch TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			unknown_retries INTEGER NOT NULL DEFAULT 0,
			pr_number INTEGER,
			queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS phase_outputs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			phase TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			raw_stream TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			folder TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_path TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'proposed',
			impact INTEGER NOT NULL DEFAULT 0,
			feasibility INTEGER NOT NULL DEFAULT 0,
			risk INTEGER NOT NULL DEFAULT 0,
			effort INTEGER NOT NULL DEFAULT 0,
			composite_score INTEGER NOT NULL DEFAULT 0,
			reasoning TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS chat_agent_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			policy_version TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tables {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Backfills: legacy DBs created before a column existed accept the
	// ALTER silently; mattn/go-sqlite3 reports "duplicate column name" when
	// it's already there, which we swallow exactly like the teacher does.
	backfills := []struct{ stmt, desc string }{
		{`ALTER TABLE tasks ADD COLUMN max_attempts INTEGER NOT NULL DEFAULT 5;`, "tasks.max_attempts"},
		{`ALTER TABLE tasks ADD COLUMN resume_session_id TEXT NOT NULL DEFAULT '';`, "tasks.resume_session_id"},
		{`ALTER TABLE tasks ADD COLUMN dispatched_at DATETIME;`, "tasks.dispatched_at"},
		{`ALTER TABLE queue_entries ADD COLUMN unknown_retries INTEGER NOT NULL DEFAULT 0;`, "queue_entries.unknown_retries"},
		{`ALTER TABLE queue_entries ADD COLUMN pr_number INTEGER;`, "queue_entries.pr_number"},
		{`ALTER TABLE proposals ADD COLUMN composite_score INTEGER NOT NULL DEFAULT 0;`, "proposals.composite_score"},
	}
	for _, b := range backfills {
		if _, err := tx.ExecContext(ctx, b.stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("backfill %s: %w", b.desc, err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dispatched ON tasks(dispatched_at);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_task ON queue_entries(task_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_entries(repo_path, status, id);`,
		`CREATE INDEX IF NOT EXISTS idx_phase_outputs_task ON phase_outputs(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);`,
	}
	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_store (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, fmt.Sprintf("%d", schemaVersionLatest)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	return tx.Commit()
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// retryOnBusy retries fn with bounded jittered backoff on SQLITE_BUSY /
// SQLITE_LOCKED, matching internal/persistence/tasks.go's GC-SPEC-PER-002
// pattern in the teacher.
func retryOnBusy(ctx context.Context, attempts int, fn func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil || !isBusyErr(lastErr) {
			return lastErr
		}
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}
