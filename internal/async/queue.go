// Package async runs cache-warming extractions on background workers, so
// recognition (seconds to tens of seconds per file) never blocks a watch loop
// or an interactive caller.
package async

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Job is one file to warm.
type Job struct {
	Path        string
	Fingerprint string // recomputed downstream when empty
	MaxPages    int
	Force       bool // process even when the cache already has the identity
	SubmittedAt time.Time
}

// Processor handles one warm job end to end.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// WarmQueue fans jobs out to workers. A semaphore bounds how many
// recognitions run at once (independent of worker count) and a rate limiter
// spaces batch work out so the host stays responsive.
type WarmQueue struct {
	proc    Processor
	logger  *slog.Logger
	workers int
	timeout time.Duration
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*WarmQueue)

func WithWorkers(n int) Option {
	return func(q *WarmQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *WarmQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}
func WithProcessTimeout(d time.Duration) Option {
	return func(q *WarmQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithMaxConcurrent caps simultaneous extractions. Defaults to 1: one
// recognition at a time, matching the single-host resource model.
func WithMaxConcurrent(n int) Option {
	return func(q *WarmQueue) {
		if n > 0 {
			q.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithThrottle sets the minimum spacing between jobs.
func WithThrottle(d time.Duration) Option {
	return func(q *WarmQueue) {
		if d > 0 {
			q.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

func NewWarmQueue(proc Processor, logger *slog.Logger, opts ...Option) *WarmQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &WarmQueue{
		proc:    proc,
		logger:  logger,
		workers: 2,
		timeout: 3 * time.Minute,
		sem:     semaphore.NewWeighted(1),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *WarmQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("warm worker started", "worker_id", workerID)

				for job := range q.ch {
					if err := q.limiter.Wait(context.Background()); err != nil {
						continue
					}
					if err := q.sem.Acquire(context.Background(), 1); err != nil {
						continue
					}
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					err := q.proc.Process(ctx, job)
					cancel()
					q.sem.Release(1)

					if err != nil {
						q.logger.Error("warm processing failed", "worker_id", workerID, "path", job.Path, "error", err)
					} else {
						q.logger.Debug("warm processing finished", "worker_id", workerID, "path", job.Path)
					}
				}

				q.logger.Info("warm worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *WarmQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "path", job.Path)
		return nil
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- job:
		q.logger.Debug("queued file for warming", "path", job.Path, "force", job.Force)
	default:
		q.logger.Warn("queue full, applying backpressure", "path", job.Path)
		q.ch <- job
	}
	return nil
}

func (q *WarmQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
