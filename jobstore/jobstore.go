package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maridot/docmill/dbopen"
)

// ErrNoSuchJob is returned by Append when the job has no snapshots.
var ErrNoSuchJob = errors.New("jobstore: no such job")

// DefaultTTL is how long job history is retained after creation.
const DefaultTTL = 7 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS job_snapshots (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL,
    status      TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    expires_at  TEXT NOT NULL DEFAULT '',
    snapshot    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_snapshots_job    ON job_snapshots (job_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_job_snapshots_expiry ON job_snapshots (expires_at);
`

// Store is the append-only snapshot store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	ttl    time.Duration
}

// Option customises a Store.
type Option func(*Store)

// WithTTL sets the retention window for job history. Default: 7 days;
// zero disables expiry stamping entirely.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store on db and ensures the snapshot table exists.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		ttl:    DefaultTTL,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}
	return s, nil
}

// Create writes the first snapshot of a job. Status defaults to pending,
// progress to 0, and the expiry is stamped from the retention TTL.
func (s *Store) Create(ctx context.Context, snap Snapshot) (Snapshot, error) {
	if snap.JobID == "" {
		return Snapshot{}, fmt.Errorf("jobstore: create: empty job id")
	}
	now := time.Now().UTC()

	if snap.Status == "" {
		snap.Status = StatusPending
	}
	if snap.CreatedAt == "" {
		snap.CreatedAt = now.Format(time.RFC3339)
	}
	if snap.ExpiresAt == "" && s.ttl != 0 {
		snap.ExpiresAt = now.Add(s.ttl).Format(time.RFC3339)
	}
	snap.RecordedAt = now.Format(time.RFC3339)

	seq, err := s.insert(ctx, s.db, snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("jobstore: create %s: %w", snap.JobID, err)
	}
	snap.Seq = seq

	s.logger.Debug("jobstore: created", "job_id", snap.JobID, "status", snap.Status)
	return snap, nil
}

// Append merges a delta into the latest snapshot of jobID and writes the
// result as a new row. The read-merge-insert runs inside a transaction so
// concurrent appends serialize instead of overwriting each other.
func (s *Store) Append(ctx context.Context, jobID string, d Delta) (Snapshot, error) {
	var merged Snapshot

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		prev, err := s.latest(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if prev == nil {
			return ErrNoSuchJob
		}

		merged = Merge(*prev, d)
		merged.RecordedAt = time.Now().UTC().Format(time.RFC3339)

		seq, err := s.insert(ctx, tx, merged)
		if err != nil {
			return err
		}
		merged.Seq = seq
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoSuchJob) {
			return Snapshot{}, ErrNoSuchJob
		}
		return Snapshot{}, fmt.Errorf("jobstore: append %s: %w", jobID, err)
	}

	s.logger.Debug("jobstore: appended",
		"job_id", jobID, "status", merged.Status, "stage", merged.Stage, "progress", merged.Progress)
	return merged, nil
}

// Latest returns the newest snapshot of jobID, or nil, nil when the job
// doesn't exist.
func (s *Store) Latest(ctx context.Context, jobID string) (*Snapshot, error) {
	snap, err := s.latest(ctx, s.db, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: latest %s: %w", jobID, err)
	}
	return snap, nil
}

// History returns every snapshot of jobID in write order.
func (s *Store) History(ctx context.Context, jobID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, snapshot FROM job_snapshots WHERE job_id = ? ORDER BY seq ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: history %s: %w", jobID, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var seq int64
		var raw string
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("jobstore: history %s: %w", jobID, err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("jobstore: history %s: decode seq %d: %w", jobID, seq, err)
		}
		snap.Seq = seq
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// CleanupExpired deletes all snapshots of jobs whose retention has
// lapsed, returning the number of rows removed. RFC 3339 UTC strings
// compare correctly as text.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM job_snapshots WHERE expires_at != '' AND expires_at <= ?`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("jobstore: expired snapshots removed", "rows", n)
	}
	return n, nil
}

// CountByStatus returns how many jobs currently sit in each status,
// judged by each job's latest snapshot.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM job_snapshots s
		WHERE seq = (SELECT MAX(seq) FROM job_snapshots WHERE job_id = s.job_id)
		GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("jobstore: count by status: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) insert(ctx context.Context, db execer, snap Snapshot) (int64, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO job_snapshots (job_id, status, recorded_at, expires_at, snapshot) VALUES (?,?,?,?,?)`,
		snap.JobID, snap.Status, snap.RecordedAt, snap.ExpiresAt, string(raw),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) latest(ctx context.Context, db execer, jobID string) (*Snapshot, error) {
	var seq int64
	var raw string
	err := db.QueryRowContext(ctx,
		`SELECT seq, snapshot FROM job_snapshots WHERE job_id = ? ORDER BY seq DESC LIMIT 1`, jobID,
	).Scan(&seq, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot seq %d: %w", seq, err)
	}
	snap.Seq = seq
	return &snap, nil
}
