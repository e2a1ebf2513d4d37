// Package worker orchestrates document extraction end to end: claiming
// batches from the ingest queues, downloading inputs, driving the
// extract service through its stages, persisting snapshots and
// results, and escalating terminal failures to the dead-letter channel.
//
// One invocation handles one batch; jobs inside a batch run
// concurrently and share no state except the stores. A batch fails as
// a whole only when every valid job in it failed — the Run loop then
// nacks the entire batch so the visibility timeout redelivers it.
// Mixed batches are acked; the dead-letter channel is the remediation
// path for their individual failures.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maridot/docmill/deadletter"
	"github.com/maridot/docmill/extract"
	"github.com/maridot/docmill/filetype"
	"github.com/maridot/docmill/idgen"
	"github.com/maridot/docmill/jobstore"
	"github.com/maridot/docmill/queue"
)

// inlineResultLimit is the largest serialized result stored inline in a
// snapshot; anything bigger is spilled to the object store.
const inlineResultLimit = 400_000

// JobMessage is the queue descriptor for one extraction job.
type JobMessage struct {
	JobID             string          `json:"jobId"`
	Bucket            string          `json:"bucket"`
	Key               string          `json:"key"`
	FileName          string          `json:"fileName"`
	FileSize          int64           `json:"fileSize"`
	FileType          string          `json:"fileType"` // declared MIME type, advisory
	ProcessingOptions extract.Options `json:"processingOptions"`
}

// ObjectStore is the blob transfer surface the worker needs.
type ObjectStore interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Deps collects the collaborators a Worker drives. HighMem receives
// oversized jobs and may be nil on a high-memory worker, which never
// forwards.
type Deps struct {
	Jobs    *jobstore.Store
	Claims  *queue.Queue
	HighMem *queue.Queue
	Dead    *deadletter.Channel
	Objects ObjectStore
	Extract *extract.Service
	Logger  *slog.Logger
}

// Worker processes extraction job batches.
type Worker struct {
	cfg     *Config
	logger  *slog.Logger
	jobs    *jobstore.Store
	claims  *queue.Queue
	highMem *queue.Queue
	dead    *deadletter.Channel
	objects ObjectStore
	extract *extract.Service
}

// New validates the wiring and returns a Worker.
func New(cfg *Config, deps Deps) (*Worker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("worker: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if deps.Jobs == nil || deps.Claims == nil || deps.Dead == nil || deps.Objects == nil || deps.Extract == nil {
		return nil, fmt.Errorf("worker: jobs, claims, dead, objects and extract are all required")
	}
	if cfg.CapacityMode == ModeStandard && deps.HighMem == nil {
		return nil, fmt.Errorf("worker: standard capacity mode requires a high-memory queue to route to")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		logger:  logger,
		jobs:    deps.Jobs,
		claims:  deps.Claims,
		highMem: deps.HighMem,
		dead:    deps.Dead,
		objects: deps.Objects,
		extract: deps.Extract,
	}, nil
}

// Run claims and processes batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker: started",
		"queue", w.claims.Name(), "capacity_mode", w.cfg.CapacityMode, "batch_size", w.cfg.BatchSize)

	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker: stopped", "queue", w.claims.Name())
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	for {
		deliveries, err := w.claims.BatchClaim(ctx, w.cfg.BatchSize)
		if err != nil {
			w.logger.Warn("worker: batch claim failed", "queue", w.claims.Name(), "error", err)
			return
		}
		if len(deliveries) == 0 {
			return
		}

		if err := w.ProcessBatch(ctx, deliveries); err != nil {
			w.logger.Warn("worker: batch failed, nacking for redelivery",
				"size", len(deliveries), "error", err)
			for _, d := range deliveries {
				if err := w.claims.Nack(ctx, d.ID); err != nil {
					w.logger.Warn("worker: nack failed", "message_id", d.ID, "error", err)
				}
			}
			// Wait out the poll interval instead of reclaiming the
			// batch we just made visible again.
			return
		}

		for _, d := range deliveries {
			if err := w.claims.Ack(ctx, d.ID); err != nil {
				w.logger.Warn("worker: ack failed", "message_id", d.ID, "error", err)
			}
		}
	}
}

type batchJob struct {
	delivery *queue.Delivery
	msg      JobMessage
}

// ProcessBatch runs every valid job in the batch concurrently. The
// returned error is non-nil only when all of them failed; the caller
// decides ack or nack for the whole batch based on it.
func (w *Worker) ProcessBatch(ctx context.Context, deliveries []*queue.Delivery) error {
	jobs := make([]batchJob, 0, len(deliveries))
	for _, d := range deliveries {
		msg, ok := w.decode(d)
		if !ok {
			continue
		}
		jobs = append(jobs, batchJob{delivery: d, msg: msg})
	}
	if len(jobs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	failures := make([]error, len(jobs))
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failures[i] = w.handle(ctx, job)
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range failures {
		if err != nil {
			failed++
		}
	}
	if failed == len(jobs) {
		return fmt.Errorf("worker: all %d jobs in batch failed", failed)
	}
	return nil
}

// decode validates one delivery payload. Storage-event notification
// shapes (a Records array) and descriptors without a job id are logged
// and skipped, never processed.
func (w *Worker) decode(d *queue.Delivery) (JobMessage, bool) {
	var probe struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(d.Payload, &probe); err != nil {
		w.logger.Warn("worker: malformed queue payload, skipping", "message_id", d.ID, "error", err)
		return JobMessage{}, false
	}
	if len(probe.Records) > 0 {
		w.logger.Warn("worker: storage-event notification on job queue, skipping",
			"message_id", d.ID, "records", len(probe.Records))
		return JobMessage{}, false
	}

	var msg JobMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		w.logger.Warn("worker: malformed job descriptor, skipping", "message_id", d.ID, "error", err)
		return JobMessage{}, false
	}
	if msg.JobID == "" {
		w.logger.Warn("worker: job descriptor lacks jobId, skipping", "message_id", d.ID)
		return JobMessage{}, false
	}
	return msg, true
}

func (w *Worker) handle(ctx context.Context, job batchJob) error {
	if w.cfg.CapacityMode == ModeStandard && job.msg.FileSize > w.cfg.HighMemoryThresholdBytes() {
		if err := w.route(ctx, job.msg, job.delivery.Payload); err != nil {
			w.logger.Error("worker: high-memory routing failed", "job_id", job.msg.JobID, "error", err)
			w.failJob(ctx, job.msg, job.delivery.Payload, err)
			return err
		}
		return nil
	}

	if err := w.processJob(ctx, job.msg); err != nil {
		w.logger.Error("worker: job failed", "job_id", job.msg.JobID, "error", err)
		w.failJob(ctx, job.msg, job.delivery.Payload, err)
		return err
	}
	return nil
}

// route hands an oversized job to the high-memory tier. The original
// payload is forwarded byte for byte; the receiving worker restarts
// the state machine from a clean descriptor.
func (w *Worker) route(ctx context.Context, msg JobMessage, payload []byte) error {
	if _, err := w.jobs.Append(ctx, msg.JobID, jobstore.Delta{
		Status: jobstore.StatusProcessing,
		Stage:  "routing_to_high_memory",
	}); err != nil {
		return fmt.Errorf("mark routing: %w", err)
	}
	if err := w.highMem.Publish(ctx, idgen.New(), payload); err != nil {
		return fmt.Errorf("forward to %s: %w", w.highMem.Name(), err)
	}
	w.logger.Info("worker: routed job to high-memory queue",
		"job_id", msg.JobID, "file_size", msg.FileSize, "threshold", w.cfg.HighMemoryThresholdBytes())
	return nil
}

func (w *Worker) processJob(ctx context.Context, msg JobMessage) error {
	if _, err := w.jobs.Append(ctx, msg.JobID, jobstore.Delta{
		Status:    jobstore.StatusProcessing,
		Stage:     "initializing",
		Progress:  jobstore.Progress(5),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("initialize job: %w", err)
	}

	w.stage(ctx, msg.JobID, "downloading", 10)
	data, err := w.objects.Download(ctx, msg.Bucket, msg.Key)
	if err != nil {
		return fmt.Errorf("download %s/%s: %w", msg.Bucket, msg.Key, err)
	}

	cls := filetype.Classify(data, msg.FileName, msg.FileType)
	if _, err := w.jobs.Append(ctx, msg.JobID, jobstore.Delta{
		Stage:    "selecting_processor",
		Progress: jobstore.Progress(20),
		FileType: string(cls.Type),
	}); err != nil {
		w.logger.Warn("worker: stage update failed", "job_id", msg.JobID, "error", err)
	}
	w.logger.Info("worker: processing job",
		"job_id", msg.JobID, "file", msg.FileName, "type", cls.Type, "confidence", cls.Confidence)

	res, err := w.extract.Process(ctx, extract.Request{
		Data:     data,
		FileName: msg.FileName,
		Type:     cls.Type,
		Options:  msg.ProcessingOptions,
		Progress: func(stage string, percent int) {
			w.stage(ctx, msg.JobID, stage, percent)
		},
	})
	if err != nil {
		return err
	}

	w.stage(ctx, msg.JobID, "storing_results", 95)
	ref, err := w.storeResult(ctx, msg.JobID, res)
	if err != nil {
		return err
	}

	if _, err := w.jobs.Append(ctx, msg.JobID, jobstore.Delta{
		Status:      jobstore.StatusCompleted,
		Stage:       "completed",
		Progress:    jobstore.Progress(100),
		Result:      ref,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	w.logger.Info("worker: job completed",
		"job_id", msg.JobID, "method", res.Metadata.Method, "chars", len(res.Text))
	return nil
}

// storeResult decides where the serialized result lives: inline in the
// snapshot below the size limit, otherwise spilled to the object store
// under results/<jobID>.json.
func (w *Worker) storeResult(ctx context.Context, jobID string, res *extract.Result) (*jobstore.ResultRef, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if len(payload) < inlineResultLimit {
		return &jobstore.ResultRef{Location: "inline", Payload: payload}, nil
	}

	if w.cfg.S3.ResultBucket == "" {
		return nil, fmt.Errorf("result is %d bytes but no result bucket is configured", len(payload))
	}
	key := "results/" + jobID + ".json"
	if err := w.objects.Upload(ctx, w.cfg.S3.ResultBucket, key, payload, "application/json"); err != nil {
		return nil, fmt.Errorf("spill result: %w", err)
	}
	w.logger.Info("worker: result spilled to object store",
		"job_id", jobID, "bytes", len(payload), "key", key)
	return &jobstore.ResultRef{Location: "external", Bucket: w.cfg.S3.ResultBucket, Key: key}, nil
}

// failJob marks the job failed and publishes the full failure context.
// Both writes are best-effort: a job that cannot even be marked failed
// is still dead-lettered, and vice versa.
func (w *Worker) failJob(ctx context.Context, msg JobMessage, payload []byte, jobErr error) {
	if _, err := w.jobs.Append(ctx, msg.JobID, jobstore.Delta{
		Status:       jobstore.StatusFailed,
		ErrorMessage: jobErr.Error(),
		FailedAt:     time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		w.logger.Warn("worker: failed-status append failed", "job_id", msg.JobID, "error", err)
	}

	if _, err := w.dead.Publish(ctx, deadletter.Entry{
		JobID:        msg.JobID,
		Error:        deadletter.Failure{Message: jobErr.Error(), Trace: errorTrace(jobErr)},
		Descriptor:   json.RawMessage(payload),
		CapacityMode: w.cfg.CapacityMode,
	}); err != nil {
		w.logger.Warn("worker: dead-letter publish failed", "job_id", msg.JobID, "error", err)
	}
}

// stage records a non-critical stage transition; failures are logged
// and do not interrupt the job.
func (w *Worker) stage(ctx context.Context, jobID, stage string, percent int) {
	if _, err := w.jobs.Append(ctx, jobID, jobstore.Delta{
		Stage:    stage,
		Progress: jobstore.Progress(percent),
	}); err != nil {
		w.logger.Warn("worker: stage update failed", "job_id", jobID, "stage", stage, "error", err)
	}
}

// errorTrace renders the unwrap chain one error per line for the
// dead-letter record; the snapshot only carries the top-level message.
func errorTrace(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%T: %v", e, e)
	}
	return b.String()
}
