// docsort-status reports the per-file extraction state (badge + tooltip) and
// can list recent job-tracker rows.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vajwanigithud/DocSort/internal/cache"
	"github.com/vajwanigithud/DocSort/internal/common"
	"github.com/vajwanigithud/DocSort/internal/ocr"
	"github.com/vajwanigithud/DocSort/internal/pipeline"
	"github.com/vajwanigithud/DocSort/internal/staging"
	"github.com/vajwanigithud/DocSort/internal/storage/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	jobLimit := flag.Int("jobs", 0, "list the N most recently updated job rows instead of file status")
	flag.Parse()

	cfg := common.LoadConfig()
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
	ctx := context.Background()

	if *jobLimit > 0 {
		listJobs(ctx, jobs, *jobLimit)
		return
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: docsort-status [-jobs N] <file.pdf> [file.pdf ...]")
		os.Exit(2)
	}

	extractor := ocr.NewExtractor(ocr.Config{
		Pdftotext: cfg.OCR.Pdftotext,
		Pdftoppm:  cfg.OCR.Pdftoppm,
		Tesseract: cfg.OCR.Tesseract,
	}, logger)
	stage := staging.New(filepath.Join(cfg.Storage.Dir, "staging"), cfg.OCR.StagingKeep, logger)
	svc := pipeline.NewService(texts, jobs, cache.NewTextLRU(cfg.OCR.MemoCapacity), stage, extractor, "docsort-status", logger)

	for _, path := range flag.Args() {
		d := svc.Detail(ctx, path)
		fmt.Printf("%s\t%s\t%s\t%s\n", d.Kind, d.Badge, path, d.Tooltip)
	}
}

func listJobs(ctx context.Context, jobs *sqlite.JobStore, limit int) {
	recs, err := jobs.ListRecent(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
		os.Exit(1)
	}
	for _, r := range recs {
		fmt.Printf("%s\t%d/%d\t%s\t%s\t%s", r.Status, r.Attempts, r.MaxAttempts, r.UpdatedAt, r.Path, r.WorkerID)
		if r.LastError != "" {
			fmt.Printf("\t%s", r.LastError)
		}
		fmt.Println()
	}
}
