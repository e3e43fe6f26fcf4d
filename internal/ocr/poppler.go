package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vajwanigithud/DocSort/internal/common"
)

// PopplerReader implements TextReader over the pdftotext binary.
type PopplerReader struct {
	runner Runner
	cmd    string
	logger *slog.Logger
}

func NewPopplerReader(runner Runner, cmd string, logger *slog.Logger) *PopplerReader {
	if runner == nil {
		runner = execRunner{}
	}
	if cmd == "" {
		cmd = "pdftotext"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PopplerReader{runner: runner, cmd: cmd, logger: logger}
}

func (r *PopplerReader) PageText(ctx context.Context, path string, page int) (string, error) {
	// pdftotext -f N -l N -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := r.runner.Run(ctx, r.cmd,
		"-f", fmt.Sprintf("%d", page), "-l", fmt.Sprintf("%d", page),
		"-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", common.NewStageError("text-read", path, fmt.Errorf("%w: %s", err, truncate(string(errb), 512)))
	}
	// pdftotext terminates each page with a form feed.
	return strings.TrimSuffix(string(out), "\f"), nil
}

func (r *PopplerReader) PageCount(ctx context.Context, path string) (int, error) {
	out, _, err := r.runner.Run(ctx, r.cmd, "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		// Callers still get one page to try.
		return 1, common.NewStageError("text-read", path, err)
	}
	return 1 + strings.Count(strings.TrimSuffix(string(out), "\f"), "\f"), nil
}

// PopplerRenderer implements PageRenderer over the pdftoppm binary.
type PopplerRenderer struct {
	runner  Runner
	cmd     string
	workDir string
	logger  *slog.Logger
}

func NewPopplerRenderer(runner Runner, cmd, workDir string, logger *slog.Logger) *PopplerRenderer {
	if runner == nil {
		runner = execRunner{}
	}
	if cmd == "" {
		cmd = "pdftoppm"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PopplerRenderer{runner: runner, cmd: cmd, workDir: workDir, logger: logger}
}

func (r *PopplerRenderer) RenderPage(ctx context.Context, path string, page, dpi int) (string, error) {
	tmpDir, err := os.MkdirTemp(r.workDir, "docsort-render-*")
	if err != nil {
		return "", common.NewStageError("render", path, err)
	}
	prefix := filepath.Join(tmpDir, "page")

	// pdftoppm -f N -l N -r DPI -png <in.pdf> <prefix>
	_, errb, err := r.runner.Run(ctx, r.cmd,
		"-f", fmt.Sprintf("%d", page), "-l", fmt.Sprintf("%d", page),
		"-r", fmt.Sprintf("%d", dpi), "-png", path, prefix)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", common.NewStageError("render", path, fmt.Errorf("%w: %s", err, truncate(string(errb), 512)))
	}

	// pdftoppm numbers output files itself (page-1.png, page-01.png, ...).
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		_ = os.RemoveAll(tmpDir)
		return "", common.NewStageError("render", path, fmt.Errorf("no image produced for page %d", page))
	}
	return matches[0], nil
}
