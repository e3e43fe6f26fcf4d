package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"

	"github.com/vajwanigithud/DocSort/internal/common"
)

var reBoxNoise = regexp.MustCompile(`[|¦ιï]{2,}`)

// TesseractRecognizer implements Recognizer over the tesseract binary.
type TesseractRecognizer struct {
	runner    Runner
	cmd       string
	available bool
	logger    *slog.Logger
}

// NewTesseractRecognizer resolves the engine executable: explicit cmd first,
// then the TESSERACT_CMD environment override, then PATH lookup. A missing
// engine is not an error here; Available reports it and recognition degrades
// to empty text.
func NewTesseractRecognizer(runner Runner, cmd string, logger *slog.Logger) *TesseractRecognizer {
	if runner == nil {
		runner = execRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cmd == "" {
		cmd = os.Getenv("TESSERACT_CMD")
	}
	if cmd == "" {
		cmd = "tesseract"
	}
	available := true
	if _, err := exec.LookPath(cmd); err != nil {
		available = false
	}
	return &TesseractRecognizer{runner: runner, cmd: cmd, available: available, logger: logger}
}

func (t *TesseractRecognizer) Available() bool {
	return t.available
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, imagePath string, psm int, lang string) (string, error) {
	if !t.available {
		return "", common.NewStageError("recognize", imagePath, common.ErrEngineMissing)
	}
	if lang == "" {
		lang = "eng"
	}

	// tesseract <img> stdout -l <lang> --oem 3 --psm <psm>
	out, errb, err := t.runner.Run(ctx, t.cmd,
		imagePath, "stdout", "-l", lang, "--oem", "3", "--psm", fmt.Sprintf("%d", psm))
	if err != nil {
		return "", common.NewStageError("recognize", imagePath, fmt.Errorf("%w: %s", err, truncate(string(errb), 512)))
	}

	// minor cleanup of obvious line noise
	return reBoxNoise.ReplaceAllString(string(out), ""), nil
}
