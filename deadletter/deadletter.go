// Package deadletter captures jobs that failed terminally so an
// operator can inspect and replay them.
//
// Every terminal failure produces one entry holding the error, the
// original queue descriptor verbatim, and the capacity mode of the
// worker that gave up on the job. Entries are persisted to SQLite;
// when a webhook is configured the channel also POSTs each entry,
// signed with HMAC-SHA256, to the operator endpoint. Notification
// failures are logged and swallowed: losing a webhook delivery must
// not fail the job a second time.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maridot/docmill/dbopen"
	"github.com/maridot/docmill/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	message       TEXT NOT NULL,
	trace         TEXT NOT NULL DEFAULT '',
	descriptor    TEXT NOT NULL DEFAULT '',
	capacity_mode TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_job ON dead_letters (job_id);
`

// Failure is the error detail recorded with an entry. Trace carries
// the wrapped error chain for operators; it is never surfaced to the
// job's status record.
type Failure struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// Entry is one dead-lettered job.
type Entry struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	Error        Failure         `json:"error"`
	Descriptor   json.RawMessage `json:"originalJobDescriptor,omitempty"`
	Timestamp    string          `json:"timestamp"`
	CapacityMode string          `json:"capacityMode"`
}

// Notifier delivers an entry to an external sink.
type Notifier interface {
	Notify(ctx context.Context, e Entry) error
}

// Channel persists dead-lettered jobs and forwards them to an
// optional notifier.
type Channel struct {
	db       *sql.DB
	logger   *slog.Logger
	notifier Notifier
	ids      idgen.Generator
}

// Option adjusts a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNotifier attaches a notifier called after each successful insert.
func WithNotifier(n Notifier) Option {
	return func(c *Channel) { c.notifier = n }
}

// New prepares the dead_letters table on db.
func New(db *sql.DB, opts ...Option) (*Channel, error) {
	c := &Channel{
		db:     db,
		logger: slog.Default(),
		ids:    idgen.DeadLetters,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("deadletter: create schema: %w", err)
	}
	return c, nil
}

// Publish records a failed job. The entry is assigned an ID and a
// timestamp when missing. Notifier errors are logged, not returned.
func (c *Channel) Publish(ctx context.Context, e Entry) (Entry, error) {
	if e.JobID == "" {
		return Entry{}, fmt.Errorf("deadletter: job id is required")
	}
	if e.ID == "" {
		e.ID = c.ids()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := dbopen.Exec(ctx, c.db, `
		INSERT INTO dead_letters (id, job_id, message, trace, descriptor, capacity_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.Error.Message, e.Error.Trace, string(e.Descriptor), e.CapacityMode, e.Timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("deadletter: insert: %w", err)
	}
	c.logger.Info("deadletter: job dead-lettered",
		"id", e.ID, "job_id", e.JobID, "error", e.Error.Message, "capacity_mode", e.CapacityMode)

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, e); err != nil {
			c.logger.Warn("deadletter: notification failed", "id", e.ID, "error", err)
		}
	}
	return e, nil
}

// List returns entries newest first, at most limit (default 100).
func (c *Channel) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, job_id, message, trace, descriptor, capacity_mode, created_at
		FROM dead_letters
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var descriptor string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Error.Message, &e.Error.Trace,
			&descriptor, &e.CapacityMode, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		if descriptor != "" {
			e.Descriptor = json.RawMessage(descriptor)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	return entries, nil
}
