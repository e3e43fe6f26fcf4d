package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vajwanigithud/DocSort/constants"
	"github.com/vajwanigithud/DocSort/internal/cache"
	"github.com/vajwanigithud/DocSort/internal/fingerprint"
	"github.com/vajwanigithud/DocSort/internal/ocr"
	"github.com/vajwanigithud/DocSort/internal/staging"
	"github.com/vajwanigithud/DocSort/internal/storage/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReader struct {
	text  string
	reads int
}

func (f *fakeReader) PageText(context.Context, string, int) (string, error) {
	f.reads++
	return f.text, nil
}

func (f *fakeReader) PageCount(context.Context, string) (int, error) { return 1, nil }

type fakeRenderer struct {
	t       *testing.T
	renders int
}

func (f *fakeRenderer) RenderPage(_ context.Context, _ string, _, _ int) (string, error) {
	f.renders++
	dir, err := os.MkdirTemp(f.t.TempDir(), "render-*")
	require.NoError(f.t, err)
	p := filepath.Join(dir, "page.png")
	require.NoError(f.t, os.WriteFile(p, []byte("raw"), 0o600))
	return p, nil
}

type fakeRecognizer struct {
	text        string
	unavailable bool
	calls       int
}

func (f *fakeRecognizer) Recognize(context.Context, string, int, string) (string, error) {
	f.calls++
	return f.text, nil
}

func (f *fakeRecognizer) Available() bool { return !f.unavailable }

type fixture struct {
	svc   *Service
	db    *sqlite.DB
	texts *sqlite.TextCache
	jobs  *sqlite.JobStore
}

func newFixture(t *testing.T, reader ocr.TextReader, renderer ocr.PageRenderer, rec ocr.Recognizer) *fixture {
	t.Helper()
	logger := testLogger()
	db, err := sqlite.Open(sqlite.Options{
		Path:          filepath.Join(t.TempDir(), "docsort.db"),
		BusyTimeoutMS: 5000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	texts := sqlite.NewTextCache(db, logger)
	jobs := sqlite.NewJobStore(db, logger)
	memo := cache.NewTextLRU(0)
	stage := staging.New(filepath.Join(t.TempDir(), "staging"), 10, logger)
	ex := ocr.NewExtractorWith(reader, renderer, rec, ocr.Config{}, logger)
	return &fixture{
		svc:   NewService(texts, jobs, memo, stage, ex, "test-worker", logger),
		db:    db,
		texts: texts,
		jobs:  jobs,
	}
}

// reopen builds a second service over the same store, with a cold memoizer.
func (f *fixture) reopen(t *testing.T, reader ocr.TextReader, renderer ocr.PageRenderer, rec ocr.Recognizer) *Service {
	t.Helper()
	logger := testLogger()
	memo := cache.NewTextLRU(0)
	stage := staging.New(filepath.Join(t.TempDir(), "staging2"), 10, logger)
	ex := ocr.NewExtractorWith(reader, renderer, rec, ocr.Config{}, logger)
	return NewService(f.texts, f.jobs, memo, stage, ex, "test-worker-2", logger)
}

func writePDF(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func strongDirect() string {
	return strings.TrimSpace(strings.Repeat("invoice line item with quantity and price ", 10))
}

func strongRecognized() string {
	return strings.TrimSpace(strings.Repeat("tax invoice total amount due ", 10))
}

func TestGetTextStrongDirectSkipsRecognition(t *testing.T) {
	reader := &fakeReader{text: strongDirect()}
	rec := &fakeRecognizer{text: strongRecognized()}
	f := newFixture(t, reader, &fakeRenderer{t: t}, rec)

	path := writePDF(t, t.TempDir(), "typed.pdf", "%PDF-1.4 typed")
	got := f.svc.GetText(context.Background(), path, 1)

	assert.Equal(t, strongDirect(), got)
	assert.Zero(t, rec.calls, "strong text layer must not trigger recognition")
}

func TestGetTextWeakDirectTriggersRecognition(t *testing.T) {
	reader := &fakeReader{text: "faint scan"}
	rec := &fakeRecognizer{text: strongRecognized()}
	f := newFixture(t, reader, &fakeRenderer{t: t}, rec)

	path := writePDF(t, t.TempDir(), "scan.pdf", "%PDF-1.4 scanned")
	got := f.svc.GetText(context.Background(), path, 1)

	assert.Equal(t, strongRecognized(), got)
	assert.Positive(t, rec.calls)

	job, err := f.jobs.Get(context.Background(), path, StatusPages, "")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, constants.JobStatusDone, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "test-worker", job.WorkerID)
}

func TestGetTextIdempotentAcrossCallsAndRestarts(t *testing.T) {
	reader := &fakeReader{text: "faint scan"}
	rec := &fakeRecognizer{text: strongRecognized()}
	f := newFixture(t, reader, &fakeRenderer{t: t}, rec)

	path := writePDF(t, t.TempDir(), "scan.pdf", "%PDF-1.4 scanned")
	ctx := context.Background()

	first := f.svc.GetText(ctx, path, 1)
	callsAfterFirst := rec.calls

	// Second call is a memoizer hit.
	assert.Equal(t, first, f.svc.GetText(ctx, path, 1))
	assert.Equal(t, callsAfterFirst, rec.calls)

	// A cold process over the same store hits the persistent cache.
	second := f.reopen(t, reader, &fakeRenderer{t: t}, rec)
	assert.Equal(t, first, second.GetText(ctx, path, 1))
	assert.Equal(t, callsAfterFirst, rec.calls, "persistent hit must not recognize again")
}

func TestGetTextEmptyRecognitionKeepsDirectText(t *testing.T) {
	reader := &fakeReader{text: "faint scan"}
	rec := &fakeRecognizer{text: ""}
	f := newFixture(t, reader, &fakeRenderer{t: t}, rec)

	path := writePDF(t, t.TempDir(), "scan.pdf", "%PDF-1.4")
	got := f.svc.GetText(context.Background(), path, 1)

	assert.Equal(t, "faint scan", got, "empty fallback never replaces direct text")
}

func TestGetTextEmptyOutcomeIsCachedButRetriedNextRun(t *testing.T) {
	reader := &fakeReader{text: ""}
	rec := &fakeRecognizer{text: ""}
	f := newFixture(t, reader, &fakeRenderer{t: t}, rec)

	path := writePDF(t, t.TempDir(), "blank.pdf", "%PDF-1.4")
	ctx := context.Background()
	fp := fingerprint.Compute(path)

	assert.Empty(t, f.svc.GetText(ctx, path, 1))

	ok, err := f.texts.HasRow(ctx, path, 1, fp)
	require.NoError(t, err)
	assert.True(t, ok, "empty text is still a cacheable outcome")

	// A later run gets another chance at a file that produced nothing.
	readsBefore := reader.reads
	second := f.reopen(t, reader, &fakeRenderer{t: t}, rec)
	assert.Empty(t, second.GetText(ctx, path, 1))
	assert.Greater(t, reader.reads, readsBefore)
}

func TestGetTextUnknownIdentityBypassesCache(t *testing.T) {
	reader := &fakeReader{text: strongDirect()}
	f := newFixture(t, reader, &fakeRenderer{t: t}, &fakeRecognizer{})

	missing := filepath.Join(t.TempDir(), "gone.pdf")
	got := f.svc.GetText(context.Background(), missing, 1)

	assert.Equal(t, strongDirect(), got, "extraction still runs without an identity")

	var count int
	require.NoError(t, f.db.Underlying().QueryRow(`SELECT COUNT(*) FROM ocr_cache`).Scan(&count))
	assert.Zero(t, count, "no persistent row without a fingerprint")
}

func TestGetTextFingerprintSensitivity(t *testing.T) {
	reader := &fakeReader{text: strongDirect()}
	f := newFixture(t, reader, &fakeRenderer{t: t}, &fakeRecognizer{})

	dir := t.TempDir()
	path := writePDF(t, dir, "doc.pdf", "%PDF-1.4 v1")
	ctx := context.Background()

	f.svc.GetText(ctx, path, 1)
	readsAfterFirst := reader.reads

	// Same content, same mtime: memoizer hit.
	f.svc.GetText(ctx, path, 1)
	assert.Equal(t, readsAfterFirst, reader.reads)

	// Changed content and mtime: a new identity forces re-extraction.
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 v2 longer"), 0o644))
	require.NoError(t, os.Chtimes(path, time.Now().Add(2*time.Second), time.Now().Add(2*time.Second)))
	f.svc.GetText(ctx, path, 1)
	assert.Greater(t, reader.reads, readsAfterFirst)

	var count int
	require.NoError(t, f.db.Underlying().QueryRow(`SELECT COUNT(*) FROM ocr_cache`).Scan(&count))
	assert.Equal(t, 2, count, "each identity caches its own row")
}

func TestStatusLifecycle(t *testing.T) {
	f := newFixture(t, &fakeReader{}, &fakeRenderer{t: t}, &fakeRecognizer{})
	ctx := context.Background()

	path := writePDF(t, t.TempDir(), "inv.pdf", "%PDF-1.4")
	fp := fingerprint.Compute(path)

	assert.Equal(t, StatusFailed, f.svc.Status(ctx, path), "nothing scheduled yet")

	_, err := f.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path: path, MaxPages: StatusPages, Status: constants.JobStatusQueued, Fingerprint: fp,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, f.svc.Status(ctx, path))

	require.NoError(t, f.texts.Put(ctx, path, StatusPages, "extracted invoice text", fp))
	assert.Equal(t, StatusReady, f.svc.Status(ctx, path))
}

func TestStatusNonPDF(t *testing.T) {
	f := newFixture(t, &fakeReader{}, &fakeRenderer{t: t}, &fakeRecognizer{})

	path := writePDF(t, t.TempDir(), "notes.txt", "plain text")
	d := f.svc.Detail(context.Background(), path)

	assert.Equal(t, StatusFailed, d.Kind)
	assert.Equal(t, "OCR failed", d.Badge)
	assert.Contains(t, d.Tooltip, "not a PDF")
}

func TestDetailTooltips(t *testing.T) {
	f := newFixture(t, &fakeReader{}, &fakeRenderer{t: t}, &fakeRecognizer{})
	ctx := context.Background()

	path := writePDF(t, t.TempDir(), "inv.pdf", "%PDF-1.4")
	fp := fingerprint.Compute(path)

	_, err := f.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path: path, MaxPages: StatusPages, Status: constants.JobStatusQueued, Fingerprint: fp,
	})
	require.NoError(t, err)
	_, err = f.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path: path, MaxPages: StatusPages, Status: constants.JobStatusRunning, Fingerprint: fp,
	})
	require.NoError(t, err)
	_, err = f.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path: path, MaxPages: StatusPages, Status: constants.JobStatusFailed, Fingerprint: fp,
		LastError: "render failed on page 1",
	})
	require.NoError(t, err)

	d := f.svc.Detail(ctx, path)
	assert.Equal(t, StatusFailed, d.Kind)
	assert.Contains(t, d.Tooltip, "render failed on page 1")

	// DONE without cached text means the run produced nothing usable.
	_, err = f.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path: path, MaxPages: StatusPages, Status: constants.JobStatusDone, Fingerprint: fp,
	})
	require.NoError(t, err)
	d = f.svc.Detail(ctx, path)
	assert.Equal(t, StatusFailed, d.Kind)
	assert.Contains(t, d.Tooltip, "no cached text")
}

func TestRetryRespectsAttemptCeiling(t *testing.T) {
	f := newFixture(t, &fakeReader{}, &fakeRenderer{t: t}, &fakeRecognizer{})
	ctx := context.Background()

	path := writePDF(t, t.TempDir(), "inv.pdf", "%PDF-1.4")
	fp := fingerprint.Compute(path)

	_, err := f.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path: path, MaxPages: StatusPages, Status: constants.JobStatusRunning, Fingerprint: fp,
	})
	require.NoError(t, err)
	_, err = f.jobs.Upsert(ctx, sqlite.UpsertParams{
		Path: path, MaxPages: StatusPages, Status: constants.JobStatusFailed, Fingerprint: fp,
		LastError: "engine unavailable",
	})
	require.NoError(t, err)

	ok, err := f.svc.Retry(ctx, path, sqlite.DefaultMaxAttempts)
	require.NoError(t, err)
	assert.True(t, ok, "one attempt used, retries remain")

	job, err := f.jobs.Get(ctx, path, StatusPages, fp)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, job.Status)

	// Burn through the ceiling.
	for i := 0; i < sqlite.DefaultMaxAttempts; i++ {
		_, err = f.jobs.Upsert(ctx, sqlite.UpsertParams{
			Path: path, MaxPages: StatusPages, Status: constants.JobStatusRunning, Fingerprint: fp,
		})
		require.NoError(t, err)
	}
	ok, err = f.svc.Retry(ctx, path, sqlite.DefaultMaxAttempts)
	require.NoError(t, err)
	assert.False(t, ok, "cap exhausted")
}
