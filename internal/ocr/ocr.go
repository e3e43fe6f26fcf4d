package ocr

import (
	"context"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"image/png"
)

// MaxOCRPages is the hard cap on pages run through recognition, regardless of
// the caller's page limit. Recognition costs seconds per page; the first
// pages carry the identifying content.
const MaxOCRPages = 2

// attemptPlan is the fixed-priority grid of render DPI and page-segmentation
// modes tried per page until a strong result appears.
var attemptPlan = []struct {
	dpi  int
	psms []int
}{
	{300, []int{11, 6, 4}},
	{180, []int{11, 6, 4}},
}

// Config configures the extraction engine binaries.
type Config struct {
	Pdftotext     string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm      string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract     string // resolution order: this, $TESSERACT_CMD, PATH
	TesseractLang string // default "eng"
	WorkDir       string // scratch space for rendered pages; default os.TempDir()
}

// Extractor runs the two extraction strategies: the cheap text-layer read and
// the render+preprocess+recognize fallback.
type Extractor struct {
	cfg        Config
	reader     TextReader
	renderer   PageRenderer
	recognizer Recognizer
	logger     *slog.Logger

	engineMissingOnce sync.Once
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	runner := execRunner{}
	return NewExtractorWith(
		NewPopplerReader(runner, cfg.Pdftotext, logger),
		NewPopplerRenderer(runner, cfg.Pdftoppm, cfg.WorkDir, logger),
		NewTesseractRecognizer(runner, cfg.Tesseract, logger),
		cfg, logger)
}

// NewExtractorWith wires explicit stage implementations; tests use it to
// substitute stubs for the external binaries.
func NewExtractorWith(reader TextReader, renderer PageRenderer, recognizer Recognizer, cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	return &Extractor{
		cfg:        cfg,
		reader:     reader,
		renderer:   renderer,
		recognizer: recognizer,
		logger:     logger,
	}
}

// DirectText reads the embedded text layer for up to maxPages pages,
// concatenated with newlines. A failed page contributes an empty string
// rather than aborting the read.
func (e *Extractor) DirectText(ctx context.Context, path string, maxPages int) string {
	pages := maxPages
	if count, err := e.reader.PageCount(ctx, path); err == nil && count < pages {
		pages = count
	}
	parts := make([]string, 0, pages)
	for p := 1; p <= pages; p++ {
		text, err := e.reader.PageText(ctx, path, p)
		if err != nil {
			e.logger.Debug("text-layer page read failed", "path", path, "page", p, "error", err)
			text = ""
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n")
}

// RecognizeDocument runs the recognition fallback over at most
// min(maxPages, MaxOCRPages) pages and returns the concatenated best-scoring
// text per page. An unavailable engine yields "" and is logged once per
// process.
func (e *Extractor) RecognizeDocument(ctx context.Context, path string, maxPages int) string {
	if !e.recognizer.Available() {
		e.engineMissingOnce.Do(func() {
			e.logger.Info("recognition unavailable: tesseract executable not found")
		})
		return ""
	}

	start := time.Now()
	pages := maxPages
	if pages > MaxOCRPages {
		pages = MaxOCRPages
	}
	if count, err := e.reader.PageCount(ctx, path); err == nil && count < pages {
		pages = count
	}

	var texts []string
	for p := 1; p <= pages; p++ {
		if text := e.recognizePage(ctx, path, p); text != "" {
			texts = append(texts, text)
		}
	}
	combined := strings.Join(texts, "\n")
	e.logger.Info("recognition finished",
		"path", path,
		"pages", pages,
		"chars", len(combined),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return combined
}

// recognizePage walks the attempt plan for one page, keeping the best-scoring
// text and stopping early once an attempt clears the strong-text bar.
func (e *Extractor) recognizePage(ctx context.Context, path string, page int) string {
	best := ""
	bestScore := -1.0
	for _, plan := range attemptPlan {
		rendered, err := e.renderer.RenderPage(ctx, path, page, plan.dpi)
		if err != nil {
			e.logger.Debug("page render failed", "path", path, "page", page, "dpi", plan.dpi, "error", err)
			continue
		}
		imgPath := e.preprocessFile(rendered)

		for _, psm := range plan.psms {
			text, err := e.recognizer.Recognize(ctx, imgPath, psm, e.cfg.TesseractLang)
			if err != nil {
				e.logger.Debug("recognition attempt failed",
					"path", path, "page", page, "dpi", plan.dpi, "psm", psm, "error", err)
				continue
			}
			score := QualityScore(text)
			isBest := score > bestScore
			if isBest {
				best = text
				bestScore = score
			}
			e.logger.Debug("recognition attempt",
				"path", path,
				"page", page,
				"dpi", plan.dpi,
				"psm", psm,
				"chars", len(text),
				"words", len(strings.Fields(text)),
				"score", score,
				"best", isBest,
			)
		}
		cleanupRender(rendered)

		if best != "" && !WeakAttempt(best) {
			break
		}
	}
	return best
}

// preprocessFile decodes the rendered page, runs the preprocessing chain and
// writes the result next to the original. Any failure falls back to the raw
// rendered image.
func (e *Extractor) preprocessFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return path
	}
	img, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		e.logger.Debug("rendered page decode failed", "path", path, "error", err)
		return path
	}

	processed := Preprocess(img)

	outPath := strings.TrimSuffix(path, filepath.Ext(path)) + "_prep.png"
	out, err := os.Create(outPath)
	if err != nil {
		return path
	}
	if err := png.Encode(out, processed); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return path
	}
	if err := out.Close(); err != nil {
		return path
	}
	return outPath
}

// cleanupRender removes the per-render scratch directory created by the
// renderer, including any preprocessed sibling.
func cleanupRender(rendered string) {
	_ = os.RemoveAll(filepath.Dir(rendered))
}
