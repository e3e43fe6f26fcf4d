// docsort-warm walks a folder once and pre-populates the extraction text
// cache for every PDF in it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vajwanigithud/DocSort/internal/async"
	"github.com/vajwanigithud/DocSort/internal/cache"
	"github.com/vajwanigithud/DocSort/internal/common"
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
	svc := pipeline.NewService(texts, jobs, cache.NewTextLRU(cfg.OCR.MemoCapacity), stage, extractor, "docsort-warm", logger)
	warmer := ingest.NewWarmer(svc, texts, jobs, *pages, cfg.Sweep.MaxAttempts, logger)

	queue := async.NewWarmQueue(warmer, logger,
		async.WithWorkers(1),
		async.WithThrottle(cfg.Sweep.Throttle),
	)

	ctx := context.Background()
	start := time.Now()
	found := ingest.NewScanner(logger).FindPDFs(root)

	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	logger.Info("starting warm run", "root", root, "files", len(paths), "pages", *pages)
	for _, p := range paths {
		warmer.MarkQueued(ctx, p, found[p])
		_ = queue.Enqueue(ctx, async.Job{Path: p, Fingerprint: found[p], MaxPages: *pages})
	}
	queue.Shutdown(ctx)

	stats := warmer.Snapshot()
	logger.Info("warm run complete",
		"warmed", stats.Warmed,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
