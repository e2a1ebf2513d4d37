package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maridot/docmill/blobstore"
	"github.com/maridot/docmill/dbopen"
	"github.com/maridot/docmill/deadletter"
	"github.com/maridot/docmill/extract"
	"github.com/maridot/docmill/idgen"
	"github.com/maridot/docmill/jobstore"
	"github.com/maridot/docmill/ocr"
	"github.com/maridot/docmill/queue"
	"github.com/maridot/docmill/quota"
	"github.com/maridot/docmill/shield"
	"github.com/maridot/docmill/worker"
	_ "modernc.org/sqlite"
)

func main() {
	cfgPath := "docmill.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := worker.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Shared SQLite database: snapshots, queues, dead letters, OCR quota.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// job_ttl_days = 0 disables retention: no expiry stamps, no cleanup.
	jobs, err := jobstore.New(db, jobstore.WithTTL(cfg.JobTTL()))
	if err != nil {
		log.Fatalf("job store: %v", err)
	}

	ingest := queue.New(db, queue.Options{Name: queue.Ingest, Visibility: cfg.VisibilityTimeout()})
	high := queue.New(db, queue.Options{Name: queue.IngestHigh, Visibility: cfg.VisibilityTimeout()})
	if err := ingest.EnsureTable(ctx); err != nil {
		log.Fatalf("queue table: %v", err)
	}

	var dlOpts []deadletter.Option
	if cfg.Webhook.URL != "" {
		hook, err := deadletter.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret)
		if err != nil {
			log.Fatalf("dead-letter webhook: %v", err)
		}
		dlOpts = append(dlOpts, deadletter.WithNotifier(hook))
	}
	dead, err := deadletter.New(db, dlOpts...)
	if err != nil {
		log.Fatalf("dead-letter channel: %v", err)
	}

	objects, err := blobstore.New(ctx, blobstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	})
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	extractOpts := []extract.Option{}
	if cfg.OCR.Endpoint != "" {
		pages, err := quota.New(db, cfg.OCR.MonthlyPageLimit)
		if err != nil {
			log.Fatalf("ocr quota: %v", err)
		}
		recognizer := ocr.New(ocr.Config{Endpoint: cfg.OCR.Endpoint, Token: cfg.OCR.Token})
		extractOpts = append(extractOpts, extract.WithOCR(recognizer), extract.WithQuota(pages))
	}
	svc := extract.New(extract.Config{MaxFileSize: cfg.MaxFileBytes()}, extractOpts...)

	// Standard workers claim from ingest and forward oversized jobs to the
	// high-memory queue; high-memory workers claim that queue directly.
	claims := ingest
	var highMem *queue.Queue
	if cfg.CapacityMode == worker.ModeHighMemory {
		claims = high
	} else {
		highMem = high
	}

	w, err := worker.New(cfg, worker.Deps{
		Jobs:    jobs,
		Claims:  claims,
		HighMem: highMem,
		Dead:    dead,
		Objects: objects,
		Extract: svc,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	go w.Run(ctx)
	if cfg.JobTTLDays > 0 {
		go cleanupLoop(ctx, jobs)
	}

	// Router.
	r := chi.NewRouter()
	for _, mw := range shield.Stack(1 << 20) {
		r.Use(mw)
	}
	r.Get("/v1/health", healthHandler(jobs, ingest, high, cfg.CapacityMode))
	r.Post("/v1/jobs", enqueueHandler(jobs, ingest))
	r.Get("/v1/jobs/{id}", statusHandler(jobs))
	r.Get("/v1/deadletters", deadLettersHandler(dead))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "capacity_mode", cfg.CapacityMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// cleanupLoop purges expired job history once an hour.
func cleanupLoop(ctx context.Context, jobs *jobstore.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := jobs.CleanupExpired(ctx)
			if err != nil {
				slog.Warn("snapshot cleanup", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("snapshot cleanup", "removed", removed)
			}
		}
	}
}

// --- Handlers ---

func healthHandler(jobs *jobstore.Store, ingest, high *queue.Queue, mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ingestDepth, err := ingest.Depth(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		highDepth, err := high.Depth(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		counts, err := jobs.CountByStatus(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{
			"status":        "ok",
			"capacity_mode": mode,
			"queues": map[string]int{
				queue.Ingest:     ingestDepth,
				queue.IngestHigh: highDepth,
			},
			"jobs": counts,
		})
	}
}

// enqueueHandler stands in for the upload service: it registers the job
// and publishes the descriptor on the ingest queue.
func enqueueHandler(jobs *jobstore.Store, ingest *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg worker.JobMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, 400, err)
			return
		}
		if msg.Bucket == "" || msg.Key == "" {
			writeJSON(w, 400, map[string]string{"error": "bucket and key are required"})
			return
		}
		msg.JobID = idgen.Jobs()
		if _, err := jobs.Create(r.Context(), jobstore.Snapshot{
			JobID:    msg.JobID,
			FileName: msg.FileName,
			FileSize: msg.FileSize,
			Bucket:   msg.Bucket,
			Key:      msg.Key,
			Options:  msg.ProcessingOptions,
		}); err != nil {
			writeError(w, 500, err)
			return
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if err := ingest.Publish(r.Context(), idgen.New(), payload); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 202, map[string]string{"jobId": msg.JobID, "status": jobstore.StatusPending})
	}
}

func statusHandler(jobs *jobstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, err := jobs.Latest(r.Context(), id)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if snap == nil {
			writeJSON(w, 404, map[string]string{"error": "no such job"})
			return
		}
		writeJSON(w, 200, snap)
	}
}

func deadLettersHandler(dead *deadletter.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := dead.List(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, entries)
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
