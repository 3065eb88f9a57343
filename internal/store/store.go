// Package store is the relational Shared State Model (SPEC_FULL.md §3):
// conversations, chat batches, tasks, service nodes, task events, and the
// system log, backed by SQLite through database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Hiih-u/async-chat/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "async-chat-v1-shared-state"
)

// Store wraps a single-writer SQLite connection with the CAS and
// retry helpers the worker/dispatcher/router rely on.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns the default sqlite file location under the user's
// home directory, mirroring the teacher's DefaultDBPath.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".async-chat", "async-chat.db")
}

// Open creates (or attaches to) the SQLite database at path and runs the
// schema migration. A nil eventBus is fine; Store only publishes
// best-effort progress events, never load-bearing ones.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY storms under WAL; all
	// readers go through the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for callers that need raw access (tests,
// the cron scheduler's housekeeping sweeps).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var existingChecksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum)
	switch {
	case err == sql.ErrNoRows:
		if err := s.createTables(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema_migrations: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_migrations: %w", err)
	case existingChecksum != schemaChecksum:
		return fmt.Errorf("schema checksum mismatch at version %d: db has %q, binary expects %q",
			schemaVersion, existingChecksum, schemaChecksum)
	}

	return tx.Commit()
}

func (s *Store) createTables(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			session_metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS chat_batches (
			batch_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
			user_prompt TEXT NOT NULL,
			model_config TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PROCESSING',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_batches_conversation ON chat_batches(conversation_id);`,
		`CREATE TABLE IF NOT EXISTS ai_tasks (
			task_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL REFERENCES chat_batches(batch_id),
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
			task_type TEXT NOT NULL,
			response_text TEXT,
			status INTEGER NOT NULL DEFAULT 0,
			prompt TEXT NOT NULL,
			file_paths TEXT NOT NULL DEFAULT '[]',
			model_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			cost_time REAL NOT NULL DEFAULT 0,
			error_msg TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ai_tasks_batch ON ai_tasks(batch_id);`,
		`CREATE INDEX IF NOT EXISTS idx_ai_tasks_conversation_status ON ai_tasks(conversation_id, status, created_at);`,
		`CREATE TABLE IF NOT EXISTS service_nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			family TEXT NOT NULL,
			node_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'HEALTHY',
			dispatched_tasks INTEGER NOT NULL DEFAULT 0,
			current_tasks INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(family, node_url)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_nodes_family_load ON service_nodes(family, current_tasks);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES ai_tasks(task_id),
			from_state INTEGER NOT NULL,
			to_state INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);`,
		`CREATE TABLE IF NOT EXISTS system_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			task_id TEXT,
			message TEXT NOT NULL,
			stack_trace TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w (stmt=%s)", err, stmt)
		}
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with exponential
// backoff and jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
