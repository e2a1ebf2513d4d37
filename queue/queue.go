// Package queue implements the visibility-timeout message queues feeding
// the extraction workers, backed by SQLite.
//
// A claimed message is invisible to other consumers for the configured
// visibility duration. Consumers that finish ack (delete) it; consumers
// that crash or give up let the timeout lapse and the message reappears.
// Redelivery through the timeout is the only retry mechanism on the
// platform: a nacked batch simply becomes visible again.
//
// Named logical queues share one table. The daemon runs two: "ingest"
// for standard-capacity workers and "ingest-high" for the high-memory
// tier that oversized files are routed to.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default queue names.
const (
	Ingest     = "ingest"
	IngestHigh = "ingest-high"
)

// Delivery is one claimed message.
type Delivery struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Name is the logical queue name. Default: "ingest".
	Name string
	// Visibility is how long a claimed message stays invisible.
	// Default: 5m, sized for slow extraction jobs.
	Visibility time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = Ingest
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is a handle on one named queue.
type Queue struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts, logger: opts.Logger}
}

// Name returns the logical queue name.
func (q *Queue) Name() string { return q.opts.Name }

// EnsureTable creates the messages table and index if they don't exist.
// Safe to call from every handle sharing the table.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_messages (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages (queue, visible_at);
	`)
	if err != nil {
		return fmt.Errorf("queue: ensure table: %w", err)
	}
	return nil
}

// Publish inserts a message that is immediately visible.
func (q *Queue) Publish(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Name, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("queue %s: publish %s: %w", q.opts.Name, id, err)
	}
	q.logger.Debug("queue: published", "queue", q.opts.Name, "id", id, "bytes", len(payload))
	return nil
}

// Claim atomically picks the oldest visible message, hides it for the
// visibility duration, and returns it. Returns nil, nil when the queue
// has nothing visible.
func (q *Queue) Claim(ctx context.Context) (*Delivery, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Name, now.UnixMilli(),
	)

	d, err := scanDelivery(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: claim: %w", q.opts.Name, err)
	}
	return d, nil
}

// BatchClaim atomically claims up to n visible messages in one statement.
// Returns an empty (non-nil) slice when nothing is visible.
func (q *Queue) BatchClaim(ctx context.Context, n int) ([]*Delivery, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Name, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("queue %s: batch claim: %w", q.opts.Name, err)
	}
	defer rows.Close()

	deliveries := []*Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("queue %s: batch claim scan: %w", q.opts.Name, err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue %s: batch claim rows: %w", q.opts.Name, err)
	}
	return deliveries, nil
}

// Ack deletes a processed message.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND queue = ?`, id, q.opts.Name,
	)
	if err != nil {
		return fmt.Errorf("queue %s: ack %s: %w", q.opts.Name, id, err)
	}
	return nil
}

// Nack makes a message immediately visible again for redelivery.
func (q *Queue) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Name,
	)
	if err != nil {
		return fmt.Errorf("queue %s: nack %s: %w", q.opts.Name, id, err)
	}
	return nil
}

// Extend pushes the visibility timeout forward for a message whose
// processing needs more time.
func (q *Queue) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Name,
	)
	if err != nil {
		return fmt.Errorf("queue %s: extend %s: %w", q.opts.Name, id, err)
	}
	return nil
}

// Depth returns the total number of messages (visible and claimed) in
// the queue.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, q.opts.Name,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue %s: depth: %w", q.opts.Name, err)
	}
	return n, nil
}

func scanDelivery(scan func(dest ...any) error) (*Delivery, error) {
	var d Delivery
	var visAt, creAt int64
	if err := scan(&d.ID, &d.Queue, &d.Payload, &visAt, &creAt, &d.Attempts); err != nil {
		return nil, err
	}
	d.VisibleAt = time.UnixMilli(visAt)
	d.CreatedAt = time.UnixMilli(creAt)
	return &d, nil
}
