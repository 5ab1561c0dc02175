package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dcs-mission-validator/internal/models"
	"dcs-mission-validator/internal/ratelimit"
	"dcs-mission-validator/internal/store"
)

type fakeScheduler struct {
	mu    sync.Mutex
	added []models.FileRef
}

func (f *fakeScheduler) Add(ref models.FileRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, ref)
}

func (f *fakeScheduler) Snapshot() []models.PendingJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PendingJob, 0, len(f.added))
	for i, ref := range f.added {
		out = append(out, models.PendingJob{Ref: ref, DueAt: time.Unix(int64(i), 0), Seq: uint64(i)})
	}
	return out
}

type fakeVerdicts map[string]models.Verdict

func (f fakeVerdicts) GetVerdict(_ context.Context, id string) (models.Verdict, error) {
	if v, ok := f[id]; ok {
		return v, nil
	}
	return models.Verdict{}, errors.Wrapf(store.ErrNotFound, "id %s", id)
}

func (f fakeVerdicts) ListVerdicts(_ context.Context, path string, _ int) ([]models.Verdict, error) {
	var out []models.Verdict
	for _, v := range f {
		if v.Path == path {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f fakeVerdicts) ListAudit(_ context.Context, id string) ([]models.AuditLog, error) {
	v, ok := f[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "id %s", id)
	}
	return []models.AuditLog{{VerdictID: v.ID, Event: v.Action, Detail: "path=" + v.Path}}, nil
}

type fakeRejects []models.Verdict

func (f fakeRejects) Recent(_ context.Context, n int64) ([]models.Verdict, error) {
	if int64(len(f)) > n {
		return f[:n], nil
	}
	return f, nil
}

type denyAfter struct {
	mu    sync.Mutex
	calls int
	limit int
}

func (d *denyAfter) Allow(_ context.Context, _ string) (ratelimit.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return ratelimit.Decision{Allowed: d.calls <= d.limit}, nil
}

func newTestServer(t *testing.T, sched Scheduler, opts Options) http.Handler {
	t.Helper()
	opts.Logger = zap.NewNop().Sugar()
	return New(sched, opts).Router()
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func writeArchive(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0o644))
	return path
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &fakeScheduler{}, Options{})
	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestValidate_SchedulesArchive(t *testing.T) {
	root := t.TempDir()
	path := writeArchive(t, root, "a.miz")
	sched := &fakeScheduler{}
	h := newTestServer(t, sched, Options{Root: root})

	rec := do(h, http.MethodPost, "/validations", `{"path":"`+path+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, sched.added, 1)
	assert.Equal(t, path, sched.added[0].Path)
	assert.EqualValues(t, 2, sched.added[0].Size)

	rec = do(h, http.MethodGet, "/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []pendingItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, path, body.Items[0].Path)
}

func TestValidate_RejectsBadRequests(t *testing.T) {
	root := t.TempDir()
	outside := writeArchive(t, t.TempDir(), "out.miz")
	notes := writeArchive(t, root, "notes.txt")
	sched := &fakeScheduler{}
	h := newTestServer(t, sched, Options{Root: root})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"empty path", `{"path":" "}`, http.StatusBadRequest},
		{"outside root", `{"path":"` + outside + `"}`, http.StatusForbidden},
		{"wrong extension", `{"path":"` + notes + `"}`, http.StatusBadRequest},
		{"missing file", `{"path":"` + filepath.Join(root, "gone.miz") + `"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/validations", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, sched.added)
}

func TestValidate_RateLimited(t *testing.T) {
	root := t.TempDir()
	path := writeArchive(t, root, "a.miz")
	h := newTestServer(t, &fakeScheduler{}, Options{Limiter: &denyAfter{limit: 1}})

	rec := do(h, http.MethodPost, "/validations", `{"path":"`+path+`"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(h, http.MethodPost, "/validations", `{"path":"`+path+`"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetVerdict(t *testing.T) {
	verdicts := fakeVerdicts{"v1": {ID: "v1", Path: "/m/a.miz", Action: models.ActionDeleted}}
	h := newTestServer(t, &fakeScheduler{}, Options{Verdicts: verdicts})

	rec := do(h, http.MethodGet, "/validations/v1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v models.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, models.ActionDeleted, v.Action)

	rec = do(h, http.MethodGet, "/validations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/validations?path=/m/a.miz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"v1"`)
}

func TestAuditTrail(t *testing.T) {
	verdicts := fakeVerdicts{"v1": {ID: "v1", Path: "/m/a.miz", Action: models.ActionDeleted}}
	h := newTestServer(t, &fakeScheduler{}, Options{Verdicts: verdicts})

	rec := do(h, http.MethodGet, "/validations/v1/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []models.AuditLog `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, models.ActionDeleted, body.Items[0].Event)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/validations/missing/audit", "").Code)
}

func TestOptionalBackendsDisabled(t *testing.T) {
	h := newTestServer(t, &fakeScheduler{}, Options{})

	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/validations/v1", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/validations/v1/audit", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/validations?path=/x", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/rejected", "").Code)
}

func TestRejected(t *testing.T) {
	rejects := fakeRejects{{ID: "r2"}, {ID: "r1"}}
	h := newTestServer(t, &fakeScheduler{}, Options{Rejects: rejects})

	rec := do(h, http.MethodGet, "/rejected?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []models.Verdict `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "r2", body.Items[0].ID)
}
