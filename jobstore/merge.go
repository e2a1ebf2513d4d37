// Package jobstore persists job state as an append-only sequence of full
// snapshots in SQLite.
//
// Every write is an insert: the store reads the latest snapshot, merges a
// delta into it, and appends the merged snapshot as a new row. Readers
// only ever see the row with the highest sequence number, so a torn write
// can never expose a partially updated job, and the full history remains
// available for inspection until the TTL cleanup removes it.
package jobstore

import (
	"encoding/json"

	"github.com/maridot/docmill/extract"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ResultRef locates a stored extraction result. Small results are carried
// inline; oversized ones are spilled to the object store and referenced
// by bucket/key.
type ResultRef struct {
	Location string          `json:"location"` // inline | external
	Bucket   string          `json:"bucket,omitempty"`
	Key      string          `json:"key,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Snapshot is the complete state of one job at a point in time.
type Snapshot struct {
	JobID        string          `json:"jobId"`
	Status       string          `json:"status"`
	Stage        string          `json:"stage,omitempty"`
	Progress     int             `json:"progress"`
	FileName     string          `json:"fileName,omitempty"`
	FileType     string          `json:"fileType,omitempty"`
	FileSize     int64           `json:"fileSize,omitempty"`
	Bucket       string          `json:"bucket,omitempty"`
	Key          string          `json:"key,omitempty"`
	Options      extract.Options `json:"options"`
	Result       *ResultRef      `json:"result,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`

	CreatedAt   string `json:"createdAt"`
	StartedAt   string `json:"startedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
	FailedAt    string `json:"failedAt,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	RecordedAt  string `json:"recordedAt"`

	// Seq is the store-assigned write order, not part of the job state.
	Seq int64 `json:"-"`
}

// Delta is a partial update to a job. Zero-valued fields leave the
// previous snapshot's value in place; Progress uses a pointer so an
// explicit 0 can be distinguished from absent.
type Delta struct {
	Status       string
	Stage        string
	Progress     *int
	FileType     string
	Result       *ResultRef
	ErrorMessage string
	StartedAt    string
	CompletedAt  string
	FailedAt     string
}

// Merge produces the snapshot that results from applying d to prev. It is
// a pure function: the same prev and d always produce the same output,
// and prev is never mutated. RecordedAt and Seq are assigned by the store
// at write time.
func Merge(prev Snapshot, d Delta) Snapshot {
	next := prev

	if d.Status != "" {
		next.Status = d.Status
	}
	if d.Stage != "" {
		next.Stage = d.Stage
	}
	if d.Progress != nil {
		next.Progress = *d.Progress
	}
	if d.FileType != "" {
		next.FileType = d.FileType
	}
	if d.Result != nil {
		next.Result = d.Result
	}
	if d.ErrorMessage != "" {
		next.ErrorMessage = d.ErrorMessage
	}
	if d.StartedAt != "" {
		next.StartedAt = d.StartedAt
	}
	if d.CompletedAt != "" {
		next.CompletedAt = d.CompletedAt
	}
	if d.FailedAt != "" {
		next.FailedAt = d.FailedAt
	}

	return next
}

// Progress wraps an int for Delta.Progress.
func Progress(p int) *int { return &p }
