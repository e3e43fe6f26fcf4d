package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vajwanigithud/DocSort/internal/common"
	"github.com/vajwanigithud/DocSort/internal/storage/sqlite"
)

// Sweeper runs the periodic tracker maintenance: stalled RUNNING/QUEUED rows
// are failed so crashed workers self-heal, and terminal rows past the prune
// age are deleted. Safe to run alongside live extractions; it never touches
// DONE rows in the stall pass.
type Sweeper struct {
	jobs     *sqlite.JobStore
	cfg      common.SweepConfig
	workerID string
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewSweeper(jobs *sqlite.JobStore, cfg common.SweepConfig, workerID string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		jobs:     jobs,
		cfg:      cfg,
		workerID: workerID,
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger,
	}
}

// Start schedules the stall sweep at cfg.SweepInterval and the terminal prune
// daily.
func (s *Sweeper) Start() error {
	stallSpec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := s.cron.AddFunc(stallSpec, func() { s.RunStallSweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule stall sweep: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 24h", func() { s.RunPrune(context.Background()) }); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeps scheduled",
		"stall_interval", s.cfg.SweepInterval,
		"running_stale", s.cfg.RunningStale,
		"queued_stale", s.cfg.QueuedStale,
		"prune_age", s.cfg.PruneAge,
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunStallSweep fails RUNNING/QUEUED rows older than their timeouts.
func (s *Sweeper) RunStallSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.jobs.MarkStalled(ctx, s.cfg.RunningStale, s.cfg.QueuedStale, s.workerID)
	if err != nil {
		s.logger.Debug("stall sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("marked stalled jobs as failed", "count", n)
	}
}

// RunPrune deletes DONE/FAILED rows older than the prune age.
func (s *Sweeper) RunPrune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.jobs.PruneTerminal(ctx, s.cfg.PruneAge)
	if err != nil {
		s.logger.Debug("terminal prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned terminal jobs", "count", n)
	}
}
