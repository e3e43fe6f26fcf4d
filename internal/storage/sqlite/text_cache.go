package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
)

// TextCache maps (path, fingerprint, page limit, engine version) to extracted
// text. At most one row exists per identity; writes replace.
type TextCache struct {
	db     *DB
	logger *slog.Logger
	mu     sync.Mutex // serializes writes to avoid SQLITE_BUSY
}

func NewTextCache(db *DB, logger *slog.Logger) *TextCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextCache{db: db, logger: logger}
}

// Get returns the cached text for the identity. The second return
// distinguishes a miss from cached-empty text, which is a valid outcome. An
// empty fingerprint short-circuits to a miss: an unidentified file is never
// trusted against the cache.
func (c *TextCache) Get(ctx context.Context, path string, maxPages int, fp string) (string, bool, error) {
	if fp == "" {
		fp = fingerprint.Compute(path)
	}
	if fp == "" {
		return "", false, nil
	}
	normPath := fingerprint.NormalizePath(path)

	var text string
	err := c.db.db.QueryRowContext(ctx, `
		SELECT extracted_text
		FROM ocr_cache
		WHERE file_path = ? AND file_fingerprint = ? AND max_pages = ? AND engine_version = ?
		LIMIT 1`,
		normPath, fp, maxPages, constants.EngineVersion,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		c.logger.Warn("text cache read failed", "path", path, "error", err)
		return "", false, fmt.Errorf("read text cache: %w", err)
	}
	return text, true, nil
}

// Put upserts text for the identity, truncated to the storage cap. A missing
// fingerprint makes this a no-op.
func (c *TextCache) Put(ctx context.Context, path string, maxPages int, text, fp string) error {
	if fp == "" {
		fp = fingerprint.Compute(path)
	}
	if fp == "" {
		return nil
	}
	if len(text) > constants.MaxCachedTextChars {
		text = text[:constants.MaxCachedTextChars]
	}
	normPath := fingerprint.NormalizePath(path)
	createdAt := time.Now().UTC().Format(time.RFC3339)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.db.ExecContext(ctx, `
		INSERT INTO ocr_cache (file_path, file_fingerprint, max_pages, extracted_text, created_at, engine_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, file_fingerprint, max_pages, engine_version)
		DO UPDATE SET extracted_text = excluded.extracted_text, created_at = excluded.created_at`,
		normPath, fp, maxPages, text, createdAt, constants.EngineVersion,
	)
	if err != nil {
		c.logger.Warn("text cache write failed", "path", path, "error", err)
		return fmt.Errorf("write text cache: %w", err)
	}
	return nil
}

// Delete removes the exact identity when a fingerprint is given, otherwise
// every row for path+maxPages. Used for explicit re-extraction.
func (c *TextCache) Delete(ctx context.Context, path string, maxPages int, fp string) error {
	normPath := fingerprint.NormalizePath(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if fp != "" {
		_, err = c.db.db.ExecContext(ctx, `
			DELETE FROM ocr_cache
			WHERE file_path = ? AND file_fingerprint = ? AND max_pages = ? AND engine_version = ?`,
			normPath, fp, maxPages, constants.EngineVersion,
		)
	} else {
		_, err = c.db.db.ExecContext(ctx, `
			DELETE FROM ocr_cache
			WHERE file_path = ? AND max_pages = ? AND engine_version = ?`,
			normPath, maxPages, constants.EngineVersion,
		)
	}
	if err != nil {
		c.logger.Warn("text cache delete failed", "path", path, "error", err)
		return fmt.Errorf("delete text cache: %w", err)
	}
	return nil
}

// HasRow reports whether any row exists for the identity, distinguishing
// "never attempted" from "attempted and produced empty text".
func (c *TextCache) HasRow(ctx context.Context, path string, maxPages int, fp string) (bool, error) {
	normPath := fingerprint.NormalizePath(path)

	if fp != "" {
		var one int
		err := c.db.db.QueryRowContext(ctx, `
			SELECT 1 FROM ocr_cache
			WHERE file_path = ? AND file_fingerprint = ? AND max_pages = ? AND engine_version = ?
			LIMIT 1`,
			normPath, fp, maxPages, constants.EngineVersion,
		).Scan(&one)
		if err == nil {
			return true, nil
		}
		if err != sql.ErrNoRows {
			c.logger.Warn("text cache probe failed", "path", path, "error", err)
			return false, fmt.Errorf("probe text cache: %w", err)
		}
	}

	var one int
	err := c.db.db.QueryRowContext(ctx, `
		SELECT 1 FROM ocr_cache
		WHERE file_path = ? AND max_pages = ? AND engine_version = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		normPath, maxPages, constants.EngineVersion,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		c.logger.Warn("text cache probe failed", "path", path, "error", err)
		return false, fmt.Errorf("probe text cache: %w", err)
	}
	return true, nil
}
