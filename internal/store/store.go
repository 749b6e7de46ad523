// Package store is the durability boundary of the orchestrator: session
// records, the processed-comment ledger, and runtime setting overrides live
// here. Anything not written to this store is lost on restart, which is why
// session-id capture is persisted eagerly rather than only at completion.
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
)

const (
	schemaVersion  = 1
	schemaChecksum = "foreman-v1-sessions-comments-settings"
)

// Store wraps the sqlite database holding durable orchestrator state.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location under the user's home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foreman", "foreman.db")
}

// Open opens (creating if needed) the database at path and applies the
// schema. The connection is limited to a single writer; concurrent writers
// rely on upsert semantics plus the busy-retry wrapper.
func Open(path string) (*Store, error) {
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
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
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

// DB exposes the underlying handle so the queue can share the same database
// file and transaction semantics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
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

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			work_item_id TEXT PRIMARY KEY,
			session_id   TEXT,
			identifier   TEXT NOT NULL,
			title        TEXT NOT NULL,
			started_at   DATETIME NOT NULL,
			completed_at DATETIME,
			success      INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS processed_comments (
			comment_id   TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_comments_item
			ON processed_comments(work_item_id);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
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

// isSQLiteBusy checks for SQLITE_BUSY (5) or SQLITE_LOCKED (6) without a
// direct dependency on the sqlite3 package in non-CGO-importing code paths.
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
