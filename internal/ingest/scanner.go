// Package ingest discovers PDFs under a source root and keeps the persistent
// text cache warm for them: an initial recursive scan, filesystem events (or
// polling) for changes, and periodic maintenance sweeps over the job tracker.
package ingest

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
)

// archiveDir holds already-split originals; never warmed.
const archiveDir = "_split_archive"

// ShouldSkip filters discovery: archive and underscore-prefixed directories,
// hidden and backup files, editor droppings.
func ShouldSkip(path string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		p := strings.ToLower(part)
		if p == archiveDir {
			return true
		}
		// Underscore-prefixed directory components are private to other
		// subsystems. The final component is the file itself.
		if i < len(parts)-1 && strings.HasPrefix(p, "_") {
			return true
		}
	}
	name := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(name, "~") || strings.HasSuffix(name, "~") || strings.HasPrefix(name, ".") {
		return true
	}
	ext := constants.NormalizeExt(filepath.Ext(name))
	if _, ok := constants.TempExtensions[ext]; ok {
		return true
	}
	return false
}

func skipDirName(name string) bool {
	n := strings.ToLower(name)
	return n == archiveDir || strings.HasPrefix(n, "_") || strings.HasPrefix(n, ".")
}

// isCandidate reports whether path looks like a warmable document.
func isCandidate(path string) bool {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return false
	}
	return !ShouldSkip(path)
}

// Scanner walks a source root for warmable PDFs.
type Scanner struct {
	logger *slog.Logger
}

func NewScanner(logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{logger: logger}
}

// FindPDFs returns every warmable PDF under root, mapped to its fingerprint.
// Unreadable subtrees are logged and skipped, never fatal.
func (s *Scanner) FindPDFs(root string) map[string]string {
	results := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("scan error, skipping subtree", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isCandidate(path) {
			return nil
		}
		results[path] = fingerprint.Compute(path)
		return nil
	})
	if err != nil {
		s.logger.Warn("scan aborted", "root", root, "error", err)
	}
	return results
}
