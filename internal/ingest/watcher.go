package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig configures source-root watching.
type WatchConfig struct {
	Root         string
	Debounce     time.Duration // coalesce rapid create/write bursts
	PollInterval time.Duration // used when fsnotify is unavailable
}

// StartWatcher emits candidate PDF paths for cfg.Root as they appear or
// change. It prefers filesystem events; when the platform watcher cannot be
// created it degrades to polling at cfg.PollInterval. The channels close when
// ctx is done.
func StartWatcher(ctx context.Context, cfg WatchConfig, logger *slog.Logger) (<-chan string, <-chan error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		return nil, nil, errors.New("no source root provided")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, nil, err
	}
	if !info.IsDir() {
		return nil, nil, errors.New("source root is not a directory")
	}

	evCh := make(chan string, 256)
	errCh := make(chan error, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Info("filesystem events unavailable, falling back to polling", "error", err)
		go pollLoop(ctx, cfg, evCh, errCh, logger)
		return evCh, errCh, nil
	}

	if err := addTree(w, cfg.Root); err != nil {
		logger.Error("failed to watch source root", "root", cfg.Root, "error", err)
		_ = w.Close()
		return nil, nil, err
	}

	go func() {
		defer close(evCh)
		defer close(errCh)
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		var timerC <-chan time.Time
		pending := map[string]struct{}{}

		sendPending := func() {
			for p := range pending {
				select {
				case evCh <- p:
				default:
				}
				delete(pending, p)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-timerC:
				timerC = nil
				sendPending()
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Op&fsnotify.Create != 0 {
					// A new directory needs its own watch. Add is a
					// no-op error for plain files.
					if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
						if err := addTree(w, e.Name); err != nil {
							logger.Warn("failed to watch new directory", "path", e.Name, "error", err)
						}
						continue
					}
				}
				if !isCandidate(e.Name) {
					continue
				}
				if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				pending[e.Name] = struct{}{}
				if cfg.Debounce > 0 {
					if timer == nil {
						timer = time.NewTimer(cfg.Debounce)
					} else {
						if !timer.Stop() {
							select {
							case <-timer.C:
							default:
							}
						}
						timer.Reset(cfg.Debounce)
					}
					timerC = timer.C
				} else {
					sendPending()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("watcher error", "error", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	logger.Info("filesystem watcher active", "root", cfg.Root)
	return evCh, errCh, nil
}

// pollLoop rescans the root and emits paths whose fingerprint changed since
// the previous pass.
func pollLoop(ctx context.Context, cfg WatchConfig, evCh chan<- string, errCh chan<- error, logger *slog.Logger) {
	defer close(evCh)
	defer close(errCh)

	logger.Info("entering polling mode", "root", cfg.Root, "interval", cfg.PollInterval)
	scanner := NewScanner(logger)
	seen := map[string]string{}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		for path, fp := range scanner.FindPDFs(cfg.Root) {
			if prior, ok := seen[path]; ok && prior == fp && fp != "" {
				continue
			}
			seen[path] = fp
			select {
			case evCh <- path:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirName(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
