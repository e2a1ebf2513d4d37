// Package dbopen opens the SQLite database backing the job snapshot
// store, the message queues, the OCR quota ledger, and the dead-letter
// store. Pragmas are applied via EXEC so any database/sql SQLite driver
// works; callers blank-import one:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("docmill.db", dbopen.WithMkdirAll())
//
// Every store shares the one file. WAL mode plus a generous busy
// timeout keeps the worker loop and the admin handlers from tripping
// over each other's writes.
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type config struct {
	busyTimeoutMS int
	mkdirAll      bool
	schemas       []string
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout overrides PRAGMA busy_timeout in milliseconds.
// Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeoutMS = ms } }

// WithMkdirAll creates parent directories of the database path before
// opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues SQL to execute after pragmas are applied. Stores
// pass their CREATE TABLE IF NOT EXISTS blocks here so opening stays
// idempotent.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// Open opens the SQLite database at path with WAL journaling, foreign
// keys on, synchronous NORMAL, and the busy timeout applied, then
// executes any queued schemas and verifies the connection with a ping.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeoutMS: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}

	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing. It sets
// MaxOpenConns(1) because every new connection to ":memory:" would get
// its own empty database, and registers t.Cleanup to close it.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
