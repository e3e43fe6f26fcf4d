// docsort-watch keeps the extraction text cache warm for a source folder: an
// initial recursive scan, then filesystem events (or polling) for new and
// changed PDFs, with periodic stall and prune sweeps over the job tracker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/vajwanigithud/DocSort/internal/async"
	"github.com/vajwanigithud/DocSort/internal/cache"
	"github.com/vajwanigithud/DocSort/internal/common"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
	"github.com/vajwanigithud/DocSort/internal/ingest"
	"github.com/vajwanigithud/DocSort/internal/ocr"
	"github.com/vajwanigithud/DocSort/internal/pipeline"
	"github.com/vajwanigithud/DocSort/internal/staging"
	"github.com/vajwanigithud/DocSort/internal/storage/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	pages := flag.Int("pages", 1, "max pages to extract per PDF")
	pollSeconds := flag.Float64("poll-seconds", 10, "polling interval when filesystem events are unavailable")
	flag.Parse()

	cfg := common.LoadConfig()
	root := flag.Arg(0)
	if root == "" {
		root = cfg.Storage.SourceRoot
	}
	if root == "" {
		logger.Error("source folder not provided and DOCSORT_SOURCE_ROOT not configured")
		os.Exit(2)
	}
	root = fingerprint.NormalizePath(root)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		logger.Error("source folder does not exist or is not a directory", "root", root)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	db, err := sqlite.Open(sqlite.Options{
		Path:          filepath.Join(cfg.Storage.Dir, "ocr_cache.sqlite"),
		BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
		WALMode:       cfg.Storage.WALMode,
	}, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	texts := sqlite.NewTextCache(db, logger)
	jobs := sqlite.NewJobStore(db, logger)
	extractor := ocr.NewExtractor(ocr.Config{
		Pdftotext:     cfg.OCR.Pdftotext,
		Pdftoppm:      cfg.OCR.Pdftoppm,
		Tesseract:     cfg.OCR.Tesseract,
		TesseractLang: cfg.OCR.TesseractLang,
	}, logger)
	stage := staging.New(filepath.Join(root, "_docsort_cache", "ocr"), cfg.OCR.StagingKeep, logger)
	svc := pipeline.NewService(texts, jobs, cache.NewTextLRU(cfg.OCR.MemoCapacity), stage, extractor, "docsort-watch", logger)
	warmer := ingest.NewWarmer(svc, texts, jobs, *pages, cfg.Sweep.MaxAttempts, logger)

	queue := async.NewWarmQueue(warmer, logger,
		async.WithWorkers(2),
		async.WithMaxConcurrent(1),
		async.WithThrottle(cfg.Sweep.Throttle),
	)

	sweeper := ingest.NewSweeper(jobs, cfg.Sweep, svc.WorkerID(), logger)
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start maintenance sweeps", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	seen := initialScan(ctx, root, *pages, warmer, queue, logger)

	evCh, errCh, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Root:         root,
		Debounce:     500 * time.Millisecond,
		PollInterval: time.Duration(*pollSeconds * float64(time.Second)),
	}, logger)
	if err != nil {
		logger.Error("failed to start watcher", "error", err)
		os.Exit(1)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping watcher", "uptime_ms", time.Since(start).Milliseconds())
			sweeper.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			queue.Shutdown(shutdownCtx)
			cancel()
			return
		case err, ok := <-errCh:
			if ok && err != nil {
				logger.Warn("watch error", "error", err)
			}
		case path, ok := <-evCh:
			if !ok {
				continue
			}
			fp := fingerprint.Compute(path)
			if prior, dup := seen[path]; dup && prior == fp && fp != "" {
				continue
			}
			seen[path] = fp
			warmer.MarkQueued(ctx, path, fp)
			_ = queue.Enqueue(ctx, async.Job{Path: path, Fingerprint: fp, MaxPages: *pages})
		}
	}
}

// initialScan queues every existing PDF under root and returns the
// path->fingerprint map the event loop dedupes against.
func initialScan(ctx context.Context, root string, pages int, warmer *ingest.Warmer, queue async.Queue, logger *slog.Logger) map[string]string {
	found := ingest.NewScanner(logger).FindPDFs(root)
	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	logger.Info("starting initial scan", "root", root, "files", len(paths))
	for _, p := range paths {
		warmer.MarkQueued(ctx, p, found[p])
		_ = queue.Enqueue(ctx, async.Job{Path: p, Fingerprint: found[p], MaxPages: pages})
	}
	return found
}
