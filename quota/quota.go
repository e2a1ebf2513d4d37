// Package quota enforces the monthly OCR page budget.
//
// Usage is tracked as one row per calendar month in the ocr_usage
// table, keyed by period ("2006-01"). Recording pages is an upsert
// that increments the current period's counter, so the budget is
// shared by every worker pointed at the same database and rolls over
// automatically at month boundaries. A limit of zero disables
// enforcement.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maridot/docmill/dbopen"
)

const schema = `
CREATE TABLE IF NOT EXISTS ocr_usage (
	period     TEXT PRIMARY KEY,
	pages      INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT ''
);
`

// Counter meters OCR page consumption against a monthly limit.
type Counter struct {
	db     *sql.DB
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// Option adjusts a Counter.
type Option func(*Counter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Counter) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets a custom clock function (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Counter) {
		if now != nil {
			c.now = now
		}
	}
}

// New prepares the usage table on db. limit is the number of OCR pages
// allowed per calendar month; zero or negative means unlimited.
func New(db *sql.DB, limit int, opts ...Option) (*Counter, error) {
	c := &Counter{
		db:     db,
		limit:  limit,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("quota: create schema: %w", err)
	}
	return c, nil
}

// Limit returns the configured monthly page limit.
func (c *Counter) Limit() int { return c.limit }

func (c *Counter) period() string {
	return c.now().UTC().Format("2006-01")
}

// Used reports the pages consumed in the current calendar month.
func (c *Counter) Used(ctx context.Context) (int, error) {
	var pages int
	err := c.db.QueryRowContext(ctx,
		`SELECT pages FROM ocr_usage WHERE period = ?`, c.period()).Scan(&pages)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: read usage: %w", err)
	}
	return pages, nil
}

// CanConsume reports whether n more pages fit within this month's
// budget. It does not reserve anything; callers record actual usage
// after the OCR pass with Record.
func (c *Counter) CanConsume(ctx context.Context, n int) (bool, error) {
	if c.limit <= 0 {
		return true, nil
	}
	used, err := c.Used(ctx)
	if err != nil {
		return false, err
	}
	return used+n <= c.limit, nil
}

// Record adds n pages to the current month's counter.
func (c *Counter) Record(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	now := c.now().UTC()
	_, err := dbopen.Exec(ctx, c.db, `
		INSERT INTO ocr_usage (period, pages, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(period) DO UPDATE SET
		    pages      = pages + excluded.pages,
		    updated_at = excluded.updated_at`,
		now.Format("2006-01"), n, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("quota: record usage: %w", err)
	}
	c.logger.Debug("quota: recorded ocr pages", "period", now.Format("2006-01"), "pages", n)
	return nil
}
