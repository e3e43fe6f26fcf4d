// Package sqlite persists the extraction text cache and the job tracker in a
// single embedded database. The store is a performance layer, never a
// correctness dependency: callers treat every failure here as a cache miss.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Options configures the embedded database.
type Options struct {
	Path          string
	BusyTimeoutMS int
	WALMode       bool
}

// DB manages the SQLite database connection.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (if needed) and configures the database at opts.Path.
func Open(opts Options, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// modernc.org/sqlite registers the driver as "sqlite" (not "sqlite3").
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &DB{db: db, logger: logger}
	if err := s.configure(opts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info("sqlite store initialized", "path", opts.Path)
	return s, nil
}

func (s *DB) configure(opts Options) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ocr_cache (
			file_path        TEXT    NOT NULL,
			file_fingerprint TEXT    NOT NULL,
			max_pages        INTEGER NOT NULL,
			extracted_text   TEXT    NOT NULL,
			created_at       TEXT    NOT NULL,
			engine_version   INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (file_path, file_fingerprint, max_pages, engine_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ocr_cache_fp ON ocr_cache(file_fingerprint)`,
		`CREATE TABLE IF NOT EXISTS ocr_jobs (
			job_key          TEXT    PRIMARY KEY,
			file_path        TEXT    NOT NULL,
			file_fingerprint TEXT,
			max_pages        INTEGER NOT NULL,
			status           TEXT    NOT NULL,
			updated_at       TEXT    NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL DEFAULT 3,
			last_error       TEXT,
			worker_id        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ocr_jobs_fp ON ocr_jobs(file_fingerprint)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Underlying exposes the raw connection for ad-hoc queries (status tooling,
// tests).
func (s *DB) Underlying() *sql.DB {
	return s.db
}

// Ping verifies the database connection.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *DB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
