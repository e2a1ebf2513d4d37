package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Busy-retry tuning. SQLITE_BUSY surfaces under WAL when another
// connection holds the write lock; three linear backoffs cover the
// contention between the worker loop and the admin handlers sharing
// one database file.
const (
	busyAttempts = 3
	busyBackoff  = 100 * time.Millisecond
)

// IsBusy reports whether err is an SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs op up to busyAttempts times with linear backoff
// while the error is lock contention. The last real error is returned,
// not a synthetic retries-exceeded one.
func withBusyRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil || !IsBusy(err) || attempt == busyAttempts {
			return err
		}
		t := time.NewTimer(time.Duration(attempt) * busyBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: retry wait: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// RunTx executes fn inside a transaction, retrying the whole transaction
// on lock contention. Snapshot appends run through this so the
// read-merge-insert sequence stays atomic under concurrent writers.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit tx: %w", err)
		}
		return nil
	})
}

// Exec executes a single statement with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, func() error {
		var execErr error
		res, execErr = db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
