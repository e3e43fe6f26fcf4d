package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/async"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
	"github.com/vajwanigithud/DocSort/internal/pipeline"
	"github.com/vajwanigithud/DocSort/internal/storage/sqlite"
)

// Stats aggregates one warm run.
type Stats struct {
	Warmed  int
	Skipped int
	Errors  int
}

// Warmer processes warm jobs: it gates on the attempt ceiling, probes the
// persistent cache, and otherwise runs a full extraction through the
// pipeline. It implements async.Processor.
type Warmer struct {
	svc         *pipeline.Service
	texts       *sqlite.TextCache
	jobs        *sqlite.JobStore
	maxAttempts int
	pages       int
	logger      *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewWarmer(svc *pipeline.Service, texts *sqlite.TextCache, jobs *sqlite.JobStore, pages, maxAttempts int, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	if pages <= 0 {
		pages = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = sqlite.DefaultMaxAttempts
	}
	return &Warmer{
		svc:         svc,
		texts:       texts,
		jobs:        jobs,
		maxAttempts: maxAttempts,
		pages:       pages,
		logger:      logger,
	}
}

// MarkQueued records that path is waiting for a worker. Best-effort: a
// tracker failure never stops the warm.
func (w *Warmer) MarkQueued(ctx context.Context, path, fp string) {
	_, err := w.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path:        path,
		MaxPages:    pipeline.StatusPages,
		Status:      constants.JobStatusQueued,
		Fingerprint: fp,
		WorkerID:    w.svc.WorkerID(),
		MaxAttempts: w.maxAttempts,
	})
	if err != nil {
		w.logger.Debug("failed to queue job", "path", path, "error", err)
	}
}

// Process warms one file. Returns nil in every degraded case; the job
// tracker, not the error path, carries the outcome.
func (w *Warmer) Process(ctx context.Context, job async.Job) error {
	fp := job.Fingerprint
	if fp == "" {
		fp = fingerprint.Compute(job.Path)
	}
	if fp == "" {
		w.logger.Debug("no fingerprint, processing without cache check", "path", job.Path)
	}
	pages := job.MaxPages
	if pages <= 0 {
		pages = w.pages
	}

	if existing, err := w.jobs.Get(ctx, job.Path, pipeline.StatusPages, fp); err == nil && existing != nil {
		if !w.jobs.CanRetry(existing, w.maxAttempts) {
			w.markExhausted(ctx, job.Path, fp)
			w.logger.Info("skipping extraction, attempt ceiling reached", "path", job.Path)
			w.count(func(s *Stats) { s.Errors++ })
			return nil
		}
	}

	if !job.Force && fp != "" {
		if text, found, err := w.texts.Get(ctx, job.Path, pages, fp); err == nil && found && text != "" {
			_, err := w.jobs.Upsert(ctx, sqlite.UpsertParams{
				Path:        job.Path,
				MaxPages:    pipeline.StatusPages,
				Status:      constants.JobStatusDone,
				Fingerprint: fp,
				WorkerID:    w.svc.WorkerID(),
			})
			if err != nil {
				w.logger.Debug("failed to mark cached job done", "path", job.Path, "error", err)
			}
			w.logger.Info("skip cached", "path", job.Path)
			w.count(func(s *Stats) { s.Skipped++ })
			return nil
		}
	}

	start := time.Now()
	w.svc.GetText(ctx, job.Path, pages)
	w.logger.Info("warmed", "path", job.Path, "duration_ms", time.Since(start).Milliseconds())
	w.count(func(s *Stats) { s.Warmed++ })
	return nil
}

func (w *Warmer) markExhausted(ctx context.Context, path, fp string) {
	_, err := w.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path:        path,
		MaxPages:    pipeline.StatusPages,
		Status:      constants.JobStatusFailed,
		Fingerprint: fp,
		LastError:   fmt.Sprintf("max attempts exceeded (%d)", w.maxAttempts),
		WorkerID:    w.svc.WorkerID(),
	})
	if err != nil {
		w.logger.Debug("failed to mark job exhausted", "path", path, "error", err)
	}
}

func (w *Warmer) count(fn func(*Stats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

// Snapshot returns the stats accumulated so far.
func (w *Warmer) Snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
