package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/common"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
)

// DefaultMaxAttempts caps how often one identity may transition to RUNNING.
const DefaultMaxAttempts = 3

// timeLayoutLegacy matches rows written before the switch to RFC3339,
// a zone-less ISO timestamp. Tolerated on read only.
const timeLayoutLegacy = "2006-01-02T15:04:05"

// JobRecord describes one tracked extraction attempt.
type JobRecord struct {
	Path        string
	Fingerprint string
	MaxPages    int
	Status      constants.JobStatus
	UpdatedAt   string // canonical RFC3339 UTC; legacy rows may carry zone-less ISO
	Attempts    int
	MaxAttempts int
	LastError   string
	WorkerID    string
}

// UpdatedTime parses UpdatedAt, accepting the canonical layout first and the
// legacy one second. ok is false when neither parses.
func (r *JobRecord) UpdatedTime() (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
		return t, true
	}
	if t, err := time.Parse(timeLayoutLegacy, r.UpdatedAt); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// UpsertParams carries one job write. MaxAttempts of 0 means the default.
type UpsertParams struct {
	Path        string
	MaxPages    int
	Status      constants.JobStatus
	Fingerprint string // recomputed from the path when empty
	LastError   string
	WorkerID    string
	MaxAttempts int
}

// JobStore tracks the lifecycle of extraction attempts, one row per
// (path, page limit, fingerprint) identity.
type JobStore struct {
	db     *DB
	logger *slog.Logger
	mu     sync.Mutex // serializes read-modify-write upserts
}

func NewJobStore(db *DB, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{db: db, logger: logger}
}

func jobKey(normPath string, maxPages int, fp string) string {
	return fmt.Sprintf("%s|%d|%s", normPath, maxPages, fp)
}

func effectiveFingerprint(path, fp string) string {
	if fp != "" {
		return fp
	}
	return fingerprint.Compute(path)
}

// Upsert writes one lifecycle transition, carrying forward attempts and the
// sticky max-attempts ceiling from any prior row. Once attempts meet the
// ceiling, further QUEUED/RUNNING requests are coerced to FAILED here: this is
// the single enforcement point for the attempt cap. Only transitions into
// RUNNING increment attempts.
func (s *JobStore) Upsert(ctx context.Context, p UpsertParams) (*JobRecord, error) {
	status := constants.JobStatus(strings.ToUpper(string(p.Status)))
	if !constants.ValidStatus(status) {
		s.logger.Warn("ignoring job upsert with invalid status", "path", p.Path, "status", p.Status)
		return nil, common.NewAppError("JOB_STATUS", fmt.Sprintf("invalid status %q", p.Status), common.ErrInvalidInput)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	normPath := fingerprint.NormalizePath(p.Path)
	fp := effectiveFingerprint(p.Path, p.Fingerprint)
	key := jobKey(normPath, p.MaxPages, fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	var priorAttempts, priorMax int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM ocr_jobs WHERE job_key = ? LIMIT 1`, key,
	).Scan(&priorAttempts, &priorMax)
	if err != nil && err != sql.ErrNoRows {
		s.logger.Warn("job read before upsert failed", "path", p.Path, "error", err)
		return nil, fmt.Errorf("read job: %w", err)
	}

	// The ceiling is sticky: once widened for an identity it never decreases,
	// even if a later upsert requests fewer.
	maxAttempts := p.MaxAttempts
	if priorMax > maxAttempts {
		maxAttempts = priorMax
	}

	lastError := p.LastError
	if (status == constants.JobStatusQueued || status == constants.JobStatusRunning) && priorAttempts >= maxAttempts {
		status = constants.JobStatusFailed
		lastError = fmt.Sprintf("max attempts exceeded (%d)", maxAttempts)
	}

	attempts := priorAttempts
	if status == constants.JobStatusRunning {
		attempts++
	}

	rec := &JobRecord{
		Path:        normPath,
		Fingerprint: fp,
		MaxPages:    p.MaxPages,
		Status:      status,
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   lastError,
		WorkerID:    p.WorkerID,
	}
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO ocr_jobs (job_key, file_path, file_fingerprint, max_pages, status, updated_at, attempts, max_attempts, last_error, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_key) DO UPDATE SET
			status       = excluded.status,
			updated_at   = excluded.updated_at,
			attempts     = excluded.attempts,
			max_attempts = excluded.max_attempts,
			last_error   = excluded.last_error,
			worker_id    = excluded.worker_id`,
		key, normPath, fp, p.MaxPages, string(status), rec.UpdatedAt, attempts, maxAttempts, lastError, p.WorkerID,
	)
	if err != nil {
		s.logger.Warn("job upsert failed", "path", p.Path, "error", err)
		return nil, fmt.Errorf("upsert job: %w", err)
	}
	return rec, nil
}

const jobColumns = `file_path, file_fingerprint, max_pages, status, updated_at, attempts, max_attempts, last_error, worker_id`

func scanJob(row interface{ Scan(...any) error }) (*JobRecord, error) {
	var rec JobRecord
	var fp, lastError, workerID sql.NullString
	var status string
	if err := row.Scan(&rec.Path, &fp, &rec.MaxPages, &status, &rec.UpdatedAt, &rec.Attempts, &rec.MaxAttempts, &lastError, &workerID); err != nil {
		return nil, err
	}
	rec.Fingerprint = fp.String
	rec.Status = constants.JobStatus(status)
	rec.LastError = lastError.String
	rec.WorkerID = workerID.String
	return &rec, nil
}

// Get returns the exact-identity row when a fingerprint is known, otherwise
// the most recently updated row for path+maxPages (tolerating content having
// changed since the job was queued). nil means no row.
func (s *JobStore) Get(ctx context.Context, path string, maxPages int, fp string) (*JobRecord, error) {
	normPath := fingerprint.NormalizePath(path)
	effective := effectiveFingerprint(path, fp)

	var row *sql.Row
	if effective != "" {
		row = s.db.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM ocr_jobs WHERE job_key = ? LIMIT 1`,
			jobKey(normPath, maxPages, effective),
		)
	} else {
		row = s.db.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM ocr_jobs
			 WHERE file_path = ? AND max_pages = ?
			 ORDER BY updated_at DESC LIMIT 1`,
			normPath, maxPages,
		)
	}
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("job read failed", "path", path, "error", err)
		return nil, fmt.Errorf("read job: %w", err)
	}
	return rec, nil
}

// CanRetry reports whether the record is below its effective attempt ceiling,
// the larger of the stored ceiling and the supplied default.
func (s *JobStore) CanRetry(rec *JobRecord, maxAttempts int) bool {
	if rec == nil {
		return true
	}
	ceiling := maxAttempts
	if rec.MaxAttempts > ceiling {
		ceiling = rec.MaxAttempts
	}
	return rec.Attempts < ceiling
}

// MarkStalled forces RUNNING rows older than runningTimeout and QUEUED rows
// older than queuedTimeout to FAILED, measured from updated_at. Rows with an
// unparsable timestamp are treated as immediately stalled. This is the
// self-healing path for workers that died mid-job. Returns the number of rows
// transitioned.
func (s *JobStore) MarkStalled(ctx context.Context, runningTimeout, queuedTimeout time.Duration, workerID string) (int, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT job_key, status, updated_at FROM ocr_jobs WHERE status IN (?, ?)`,
		string(constants.JobStatusRunning), string(constants.JobStatusQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("scan for stalled jobs: %w", err)
	}
	defer rows.Close()

	type stalled struct {
		key    string
		reason string
	}
	now := time.Now().UTC()
	var victims []stalled
	for rows.Next() {
		var key, status, updatedAt string
		if err := rows.Scan(&key, &status, &updatedAt); err != nil {
			return 0, fmt.Errorf("scan stalled row: %w", err)
		}
		timeout := runningTimeout
		if constants.JobStatus(status) == constants.JobStatusQueued {
			timeout = queuedTimeout
		}
		rec := JobRecord{UpdatedAt: updatedAt}
		t, ok := rec.UpdatedTime()
		if !ok {
			victims = append(victims, stalled{key, fmt.Sprintf("stalled in %s: unparsable timestamp %q", status, updatedAt)})
			continue
		}
		if age := now.Sub(t); age > timeout {
			victims = append(victims, stalled{key, fmt.Sprintf("stalled in %s for %s (timeout %s)", status, age.Round(time.Second), timeout)})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stalled rows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	nowStr := now.Format(time.RFC3339)
	for _, v := range victims {
		res, err := s.db.db.ExecContext(ctx, `
			UPDATE ocr_jobs
			SET status = ?, updated_at = ?, last_error = ?, worker_id = ?
			WHERE job_key = ? AND status IN (?, ?)`,
			string(constants.JobStatusFailed), nowStr, v.reason, workerID,
			v.key, string(constants.JobStatusRunning), string(constants.JobStatusQueued),
		)
		if err != nil {
			s.logger.Warn("stall update failed", "job_key", v.key, "error", err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}
	return count, nil
}

// PruneTerminal deletes DONE/FAILED rows whose updated_at is older than the
// cutoff. Both timestamp encodings are tolerated; rows that parse as neither
// are left alone.
func (s *JobStore) PruneTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT job_key, updated_at FROM ocr_jobs WHERE status IN (?, ?)`,
		string(constants.JobStatusDone), string(constants.JobStatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("scan terminal jobs: %w", err)
	}
	defer rows.Close()

	cutoff := time.Now().UTC().Add(-olderThan)
	var victims []string
	for rows.Next() {
		var key, updatedAt string
		if err := rows.Scan(&key, &updatedAt); err != nil {
			return 0, fmt.Errorf("scan terminal row: %w", err)
		}
		rec := JobRecord{UpdatedAt: updatedAt}
		if t, ok := rec.UpdatedTime(); ok && t.Before(cutoff) {
			victims = append(victims, key)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate terminal rows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, key := range victims {
		res, err := s.db.db.ExecContext(ctx,
			`DELETE FROM ocr_jobs WHERE job_key = ? AND status IN (?, ?)`,
			key, string(constants.JobStatusDone), string(constants.JobStatusFailed),
		)
		if err != nil {
			s.logger.Warn("terminal prune failed", "job_key", key, "error", err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}
	return count, nil
}

// ListRecent returns up to limit rows, most recently updated first.
func (s *JobStore) ListRecent(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM ocr_jobs ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ClearAll wipes the tracker. Administrative use only.
func (s *JobStore) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM ocr_jobs`)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
