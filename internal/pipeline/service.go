// Package pipeline ties the extraction stages together: in-process memoizer,
// persistent text cache, staging, direct text-layer reads and the recognition
// fallback, with job-tracker transitions recorded along the way.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/cache"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
	"github.com/vajwanigithud/DocSort/internal/ocr"
	"github.com/vajwanigithud/DocSort/internal/staging"
	"github.com/vajwanigithud/DocSort/internal/storage/sqlite"
)

// StatusPages is the page limit job rows and status queries are keyed under.
// Callers may cache text at deeper limits, but the tracked identity of "is
// this file processed" stays at one page.
const StatusPages = 1

// Service is the extraction front door. Safe for concurrent use.
type Service struct {
	texts     *sqlite.TextCache
	jobs      *sqlite.JobStore
	memo      *cache.TextLRU
	staging   *staging.Cache
	extractor *ocr.Extractor
	workerID  string
	logger    *slog.Logger
}

func NewService(texts *sqlite.TextCache, jobs *sqlite.JobStore, memo *cache.TextLRU, stage *staging.Cache, extractor *ocr.Extractor, workerID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:6])
	}
	return &Service{
		texts:     texts,
		jobs:      jobs,
		memo:      memo,
		staging:   stage,
		extractor: extractor,
		workerID:  workerID,
		logger:    logger,
	}
}

// WorkerID returns the identifier stamped onto job rows by this service.
func (s *Service) WorkerID() string { return s.workerID }

// GetText returns the extracted text for a PDF, from the fastest source that
// has it: memoizer, persistent cache, text layer, recognition fallback. The
// result is written through to both caches and may be empty; empty is a
// valid, cacheable outcome, not an error. Persistence failures degrade to
// cache misses, never to a failed call.
func (s *Service) GetText(ctx context.Context, path string, maxPages int) string {
	// A file that cannot be identified (stat failure -> empty fingerprint)
	// bypasses both caches but still goes through extraction against the
	// path itself.
	resolved := fingerprint.NormalizePath(path)
	memoKey := cache.Key(resolved, maxPages)
	if text, ok := s.memo.Get(memoKey); ok {
		return text
	}

	fp := fingerprint.Compute(resolved)
	cacheHit := false
	source := "none"
	text := ""

	if fp != "" {
		// Cached-empty rows fall through to re-extraction: a better
		// engine setup on a later run may still pull text out.
		if cached, found, err := s.texts.Get(ctx, resolved, maxPages, fp); err == nil && found && cached != "" {
			cacheHit = true
			source = "store"
			text = cached
		}
	}

	if !cacheHit {
		s.markJob(ctx, resolved, fp, constants.JobStatusRunning, "")

		text = s.extractor.DirectText(ctx, resolved, maxPages)
		if text != "" {
			source = "text-layer"
		}

		if ocr.WeakDirect(text) {
			input := resolved
			if staged, ok := s.staging.Stage(resolved); ok {
				input = staged
			} else {
				s.logger.Warn("staging unavailable, recognizing original in place", "path", resolved)
			}
			if recognized := s.extractor.RecognizeDocument(ctx, input, maxPages); recognized != "" {
				text = recognized
				source = "recognition"
			}
		}
	}

	s.memo.Put(memoKey, text)
	if fp != "" && !cacheHit {
		_ = s.texts.Put(ctx, resolved, maxPages, text, fp)
	}
	if !cacheHit {
		s.markJob(ctx, resolved, fp, constants.JobStatusDone, "")
	}

	s.logger.Info("text request",
		"path", resolved,
		"fingerprint", fp != "",
		"cache_hit", cacheHit,
		"source", source,
		"chars", len(text),
	)
	return text
}

// Retry re-queues a failed identity, provided the attempt ceiling allows
// another run. Returns false when the cap is exhausted.
func (s *Service) Retry(ctx context.Context, path string, maxAttempts int) (bool, error) {
	resolved := fingerprint.NormalizePath(path)
	fp := fingerprint.Compute(resolved)

	rec, err := s.jobs.Get(ctx, resolved, StatusPages, fp)
	if err != nil {
		return false, err
	}
	if !s.jobs.CanRetry(rec, maxAttempts) {
		return false, nil
	}
	_, err = s.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path:        resolved,
		MaxPages:    StatusPages,
		Status:      constants.JobStatusQueued,
		Fingerprint: fp,
		WorkerID:    s.workerID,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// markJob records a lifecycle transition best-effort. Tracker failures never
// block extraction.
func (s *Service) markJob(ctx context.Context, path, fp string, status constants.JobStatus, lastError string) {
	if s.jobs == nil {
		return
	}
	_, err := s.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path:        path,
		MaxPages:    StatusPages,
		Status:      status,
		Fingerprint: fp,
		LastError:   lastError,
		WorkerID:    s.workerID,
	})
	if err != nil {
		s.logger.Debug("job transition failed", "path", path, "status", status, "error", err)
	}
}
