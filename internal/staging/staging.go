// Package staging copies source files into a process-local scratch area
// before heavy extraction, so the original can be moved or renamed by other
// subsystems without invalidating an in-flight job.
package staging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vajwanigithud/DocSort/internal/fingerprint"
)

// DefaultKeep is how many staged copies survive pruning.
const DefaultKeep = 100

// Cache owns a scratch directory of staged copies, keyed by
// (resolved source path, fingerprint).
type Cache struct {
	dir    string
	keep   int
	logger *slog.Logger

	mu     sync.Mutex
	staged map[string]string // source key -> staged path
}

func New(dir string, keep int, logger *slog.Logger) *Cache {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{dir: dir, keep: keep, logger: logger, staged: make(map[string]string)}
}

// Stage copies path into the scratch directory and returns the staged path.
// Idempotent for input already inside the scratch directory. All failures
// return ok=false; callers must fall back to the original path.
func (c *Cache) Stage(path string) (string, bool) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Warn("staging dir unavailable", "dir", c.dir, "error", err)
		return "", false
	}

	resolved := fingerprint.NormalizePath(path)
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		c.logger.Warn("staging source missing", "path", path)
		return "", false
	}
	if inside(c.dir, resolved) {
		return resolved, true
	}

	key := resolved + "|" + fingerprint.Compute(resolved)

	c.mu.Lock()
	if prior, ok := c.staged[key]; ok {
		if _, err := os.Stat(prior); err == nil {
			c.mu.Unlock()
			return prior, true
		}
		delete(c.staged, key)
	}
	c.mu.Unlock()

	ext := filepath.Ext(resolved)
	stem := strings.TrimSuffix(filepath.Base(resolved), ext)
	dest := filepath.Join(c.dir, stem+"_"+
		time.Now().UTC().Format("20060102T150405.000")+"_"+uuid.NewString()[:6]+ext)

	if err := copyFile(resolved, dest); err != nil {
		c.logger.Warn("staging copy failed", "path", resolved, "error", err)
		_ = os.Remove(dest)
		return "", false
	}

	c.mu.Lock()
	c.staged[key] = dest
	c.mu.Unlock()

	c.prune()
	return dest, true
}

// prune keeps the most recently modified c.keep files, never deleting a copy
// still referenced by an in-flight key.
func (c *Cache) prune() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}

	c.mu.Lock()
	inUse := make(map[string]struct{}, len(c.staged))
	for _, p := range c.staged {
		inUse[p] = struct{}{}
	}
	c.mu.Unlock()

	type candidate struct {
		path  string
		mtime time.Time
	}
	var files []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(c.dir, e.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })

	for _, stale := range files[min(len(files), c.keep):] {
		if _, ok := inUse[stale.path]; ok {
			continue
		}
		_ = os.Remove(stale.path)
	}
}

// Release forgets the staged copy for path so pruning may reclaim it.
func (c *Cache) Release(path string) {
	resolved := fingerprint.NormalizePath(path)
	key := resolved + "|" + fingerprint.Compute(resolved)
	c.mu.Lock()
	delete(c.staged, key)
	c.mu.Unlock()
}

func inside(dir, path string) bool {
	rel, err := filepath.Rel(fingerprint.NormalizePath(dir), path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
