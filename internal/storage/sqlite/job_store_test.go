package sqlite

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
)

func backdateJob(t *testing.T, db *DB, key string, by time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-by).Format(time.RFC3339)
	_, err := db.db.Exec(`UPDATE ocr_jobs SET updated_at = ? WHERE job_key = ?`, past, key)
	require.NoError(t, err)
}

func TestJobUpsertLifecycle(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	path := writeTestPDF(t, "job.pdf", "%PDF-1.4")
	fp := fingerprint.Compute(path)

	rec, err := jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusQueued, Fingerprint: fp, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, rec.Status)
	assert.Equal(t, 0, rec.Attempts)

	rec, err = jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusRunning, Fingerprint: fp, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusRunning, rec.Status)
	assert.Equal(t, 1, rec.Attempts, "attempts increment only on RUNNING")

	rec, err = jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusDone, Fingerprint: fp, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusDone, rec.Status)
	assert.Equal(t, 1, rec.Attempts, "DONE does not increment attempts")

	// Exactly one row per identity.
	var count int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM ocr_jobs`).Scan(&count))
	assert.Equal(t, 1, count)

	got, err := jobs.Get(ctx, path, 1, fp)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, constants.JobStatusDone, got.Status)
}

func TestJobUpsertRejectsInvalidStatus(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())

	path := writeTestPDF(t, "bad.pdf", "%PDF-1.4")
	_, err := jobs.Upsert(context.Background(), UpsertParams{Path: path, MaxPages: 1, Status: "EXPLODED"})
	require.Error(t, err)

	var count int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM ocr_jobs`).Scan(&count))
	assert.Zero(t, count)
}

func TestJobAttemptCapEnforcement(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	path := writeTestPDF(t, "cap.pdf", "%PDF-1.4")
	fp := fingerprint.Compute(path)

	for i := 0; i < 3; i++ {
		rec, err := jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusRunning, Fingerprint: fp})
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusRunning, rec.Status)
		assert.Equal(t, i+1, rec.Attempts)
	}

	// Fourth request is coerced to FAILED instead of being accepted.
	rec, err := jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusQueued, Fingerprint: fp})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "max attempts exceeded")
	assert.Equal(t, 3, rec.Attempts, "coerced FAILED does not increment")

	assert.False(t, jobs.CanRetry(rec, DefaultMaxAttempts))

	// DONE/FAILED writes for the capped identity still go through.
	rec, err = jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusDone, Fingerprint: fp})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusDone, rec.Status)
}

func TestJobMaxAttemptsSticky(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	path := writeTestPDF(t, "sticky.pdf", "%PDF-1.4")
	fp := fingerprint.Compute(path)

	rec, err := jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusQueued, Fingerprint: fp, MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, rec.MaxAttempts)

	// A later upsert requesting a lower ceiling never decreases it.
	rec, err = jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusRunning, Fingerprint: fp, MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, rec.MaxAttempts)

	assert.True(t, jobs.CanRetry(rec, 2), "stored ceiling wins over a lower supplied default")
}

func TestCanRetry(t *testing.T) {
	jobs := NewJobStore(setupTestDB(t), slog.Default())

	assert.True(t, jobs.CanRetry(nil, 3))
	assert.True(t, jobs.CanRetry(&JobRecord{Attempts: 2, MaxAttempts: 3}, 3))
	assert.False(t, jobs.CanRetry(&JobRecord{Attempts: 3, MaxAttempts: 3}, 3))
	// Supplied default wins when larger than the stored ceiling.
	assert.True(t, jobs.CanRetry(&JobRecord{Attempts: 3, MaxAttempts: 3}, 5))
}

func TestMarkStalled(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	stale := writeTestPDF(t, "stale.pdf", "%PDF-1.4")
	fresh := writeTestPDF(t, "fresh.pdf", "%PDF-1.4")
	staleFP := fingerprint.Compute(stale)
	freshFP := fingerprint.Compute(fresh)

	_, err := jobs.Upsert(ctx, UpsertParams{Path: stale, MaxPages: 1, Status: constants.JobStatusRunning, Fingerprint: staleFP})
	require.NoError(t, err)
	_, err = jobs.Upsert(ctx, UpsertParams{Path: fresh, MaxPages: 1, Status: constants.JobStatusRunning, Fingerprint: freshFP})
	require.NoError(t, err)

	backdateJob(t, db, jobKey(fingerprint.NormalizePath(stale), 1, staleFP), 400*time.Second)

	n, err := jobs.MarkStalled(ctx, 300*time.Second, 1800*time.Second, "sweeper")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := jobs.Get(ctx, stale, 1, staleFP)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, constants.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "stalled")
	assert.Equal(t, "sweeper", rec.WorkerID)

	rec, err = jobs.Get(ctx, fresh, 1, freshFP)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, constants.JobStatusRunning, rec.Status, "fresh RUNNING row untouched")
}

func TestMarkStalledQueuedTimeoutAndUnparsable(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	queued := writeTestPDF(t, "queued.pdf", "%PDF-1.4")
	garbled := writeTestPDF(t, "garbled.pdf", "%PDF-1.4")
	queuedFP := fingerprint.Compute(queued)
	garbledFP := fingerprint.Compute(garbled)

	_, err := jobs.Upsert(ctx, UpsertParams{Path: queued, MaxPages: 1, Status: constants.JobStatusQueued, Fingerprint: queuedFP})
	require.NoError(t, err)
	_, err = jobs.Upsert(ctx, UpsertParams{Path: garbled, MaxPages: 1, Status: constants.JobStatusRunning, Fingerprint: garbledFP})
	require.NoError(t, err)

	// QUEUED within its (longer) window survives a sweep that would kill RUNNING.
	backdateJob(t, db, jobKey(fingerprint.NormalizePath(queued), 1, queuedFP), 400*time.Second)
	// Unparsable timestamp counts as immediately stalled.
	_, err = db.db.Exec(`UPDATE ocr_jobs SET updated_at = 'not-a-time' WHERE file_path = ?`, fingerprint.NormalizePath(garbled))
	require.NoError(t, err)

	n, err := jobs.MarkStalled(ctx, 300*time.Second, 1800*time.Second, "sweeper")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := jobs.Get(ctx, queued, 1, queuedFP)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, rec.Status)

	rec, err = jobs.Get(ctx, garbled, 1, garbledFP)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "unparsable")
}

func TestPruneTerminalDualTimestampFormats(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	oldDone := writeTestPDF(t, "old-done.pdf", "%PDF-1.4")
	legacyFailed := writeTestPDF(t, "legacy-failed.pdf", "%PDF-1.4")
	running := writeTestPDF(t, "running.pdf", "%PDF-1.4")
	recent := writeTestPDF(t, "recent.pdf", "%PDF-1.4")

	for _, c := range []struct {
		path   string
		status constants.JobStatus
	}{
		{oldDone, constants.JobStatusDone},
		{legacyFailed, constants.JobStatusFailed},
		{running, constants.JobStatusRunning},
		{recent, constants.JobStatusDone},
	} {
		_, err := jobs.Upsert(ctx, UpsertParams{Path: c.path, MaxPages: 1, Status: c.status, Fingerprint: fingerprint.Compute(c.path)})
		require.NoError(t, err)
	}

	backdateJob(t, db, jobKey(fingerprint.NormalizePath(oldDone), 1, fingerprint.Compute(oldDone)), 48*time.Hour)
	backdateJob(t, db, jobKey(fingerprint.NormalizePath(running), 1, fingerprint.Compute(running)), 48*time.Hour)
	// Legacy zone-less encoding, well past the cutoff.
	legacyTS := time.Now().UTC().Add(-48 * time.Hour).Format("2006-01-02T15:04:05")
	_, err := db.db.Exec(`UPDATE ocr_jobs SET updated_at = ? WHERE file_path = ?`, legacyTS, fingerprint.NormalizePath(legacyFailed))
	require.NoError(t, err)

	n, err := jobs.PruneTerminal(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both encodings prune; RUNNING and recent rows survive")

	var count int
	require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM ocr_jobs`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestListRecentAndClearAll(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		path := writeTestPDF(t, name, "%PDF-1.4")
		_, err := jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusQueued, Fingerprint: fingerprint.Compute(path)})
		require.NoError(t, err)
	}

	recs, err := jobs.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	n, err := jobs.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err = jobs.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGetWithoutFingerprintReturnsLatest(t *testing.T) {
	db := setupTestDB(t)
	jobs := NewJobStore(db, slog.Default())
	ctx := context.Background()

	path := writeTestPDF(t, "latest.pdf", "%PDF-1.4")
	fp := fingerprint.Compute(path)
	_, err := jobs.Upsert(ctx, UpsertParams{Path: path, MaxPages: 1, Status: constants.JobStatusDone, Fingerprint: fp})
	require.NoError(t, err)

	// Row from before the content changed: older update, different fingerprint.
	oldKey := jobKey(fingerprint.NormalizePath(path), 1, "999:111")
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	_, err = db.db.Exec(`
		INSERT INTO ocr_jobs (job_key, file_path, file_fingerprint, max_pages, status, updated_at, attempts, max_attempts)
		VALUES (?, ?, ?, 1, 'FAILED', ?, 1, 3)`,
		oldKey, fingerprint.NormalizePath(path), "999:111", past)
	require.NoError(t, err)

	// The file is gone, so the fingerprint cannot be recomputed.
	require.NoError(t, os.Remove(path))

	rec, err := jobs.Get(ctx, path, 1, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, constants.JobStatusDone, rec.Status, "most recently updated row wins")
}
