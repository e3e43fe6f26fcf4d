package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
)

// StatusKind is the per-file extraction state shown by status surfaces.
type StatusKind string

const (
	StatusReady   StatusKind = "ready"   // cache has non-empty text
	StatusPending StatusKind = "pending" // a job is queued or running
	StatusFailed  StatusKind = "failed"  // no text and no active job
)

// StatusDetail is a StatusKind with display strings for badges and tooltips.
type StatusDetail struct {
	Kind    StatusKind
	Badge   string
	Tooltip string
}

var badges = map[StatusKind]string{
	StatusPending: "OCR pending",
	StatusReady:   "OCR ready",
	StatusFailed:  "OCR failed",
}

// Status reports the extraction state of a file, keyed at StatusPages.
func (s *Service) Status(ctx context.Context, path string) StatusKind {
	kind, _ := s.status(ctx, path)
	return kind
}

func (s *Service) status(ctx context.Context, path string) (StatusKind, string) {
	resolved := fingerprint.NormalizePath(path)
	fp := fingerprint.Compute(resolved)

	if text, found, err := s.texts.Get(ctx, resolved, StatusPages, fp); err == nil && found && text != "" {
		return StatusReady, ""
	}
	if !isPDF(resolved) {
		return StatusFailed, "Cached text unavailable: not a PDF file."
	}
	if _, err := os.Stat(resolved); err != nil {
		return StatusFailed, "Cached text unavailable: file is missing."
	}

	job, err := s.jobs.Get(ctx, resolved, StatusPages, fp)
	if err != nil || job == nil {
		return StatusFailed, "Extraction not scheduled yet."
	}
	switch job.Status {
	case constants.JobStatusQueued, constants.JobStatusRunning:
		return StatusPending, ""
	case constants.JobStatusFailed:
		if job.LastError != "" {
			return StatusFailed, fmt.Sprintf("Extraction job failed: %s", job.LastError)
		}
		return StatusFailed, "Extraction job failed."
	case constants.JobStatusDone:
		return StatusFailed, "Extraction finished but no cached text was produced."
	}
	return StatusFailed, "Cache entry is missing or empty for this PDF."
}

// Detail returns the status with its badge and tooltip text.
func (s *Service) Detail(ctx context.Context, path string) StatusDetail {
	kind, tooltip := s.status(ctx, path)
	if tooltip == "" {
		switch kind {
		case StatusReady:
			tooltip = "Cached text is available for this PDF."
		case StatusPending:
			tooltip = "Extraction job queued or running for this PDF."
		}
	}
	return StatusDetail{Kind: kind, Badge: badges[kind], Tooltip: tooltip}
}

func isPDF(path string) bool {
	ext := constants.NormalizeExt(filepath.Ext(path))
	_, ok := constants.AllowedExtensions[ext]
	return ok
}
