package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/repositories"
	"github.com/desertthunder/tapedeck/internal/shared"
	"github.com/desertthunder/tapedeck/internal/tasks"
	tt "github.com/desertthunder/tapedeck/internal/testing"
)

type fakeSync struct {
	store    *repositories.Store
	startErr error
	started  []tasks.RunOptions
	running  map[string]string
}

func (f *fakeSync) Start(ctx context.Context, opts tasks.RunOptions) (*models.SyncJob, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, opts)
	job := models.NewSyncJob(opts.ProfileID, "gdrive", models.SyncTypeFull)
	if err := f.store.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := job.Start(); err != nil {
		return nil, err
	}
	return job, f.store.Jobs.Save(ctx, job)
}

func (f *fakeSync) Cancel(profileID string) (string, error) {
	id, ok := f.running[profileID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return id, nil
}

func (f *fakeSync) Active() []tasks.ActiveRun {
	var out []tasks.ActiveRun
	for p, id := range f.running {
		out = append(out, tasks.ActiveRun{ProfileID: p, JobID: id, StartedAt: time.Now()})
	}
	return out
}

func newTestAPI(t *testing.T) (*fakeSync, http.Handler) {
	t.Helper()
	store := tt.NewTestStore(t)
	fake := &fakeSync{store: store, running: map[string]string{}}
	return fake, NewRouter(NewAPI(fake, store.Jobs, nil), WithMetrics(false))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAPI(t *testing.T) {
	t.Run("health lists active runs", func(t *testing.T) {
		fake, h := newTestAPI(t)
		fake.running["p1"] = "job-1"

		rec := do(t, h, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		health := decode[HealthResponse](t, rec)
		assert.Equal(t, "ok", health.Status)
		require.Len(t, health.Active, 1)
		assert.Equal(t, "job-1", health.Active[0].JobID)
	})

	t.Run("start then fetch the job", func(t *testing.T) {
		fake, h := newTestAPI(t)

		rec := do(t, h, http.MethodPost, "/profiles/p1/sync", `{"incremental": true}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.Len(t, fake.started, 1)
		assert.Equal(t, tasks.RunOptions{ProfileID: "p1", Incremental: true}, fake.started[0])

		started := decode[models.SyncJobSnapshot](t, rec)
		assert.Equal(t, "running", started.Status)

		rec = do(t, h, http.MethodGet, "/jobs/"+started.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, started.ID, decode[models.SyncJobSnapshot](t, rec).ID)

		rec = do(t, h, http.MethodGet, "/profiles/p1/jobs", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]models.SyncJobSnapshot](t, rec), 1)
	})

	t.Run("start without a body", func(t *testing.T) {
		fake, h := newTestAPI(t)
		rec := do(t, h, http.MethodPost, "/profiles/p1/sync", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, tasks.RunOptions{ProfileID: "p1"}, fake.started[0])
	})

	t.Run("malformed body", func(t *testing.T) {
		_, h := newTestAPI(t)
		rec := do(t, h, http.MethodPost, "/profiles/p1/sync", `{`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("sync in progress", func(t *testing.T) {
		fake, h := newTestAPI(t)
		fake.startErr = &tasks.SyncInProgressError{ProfileID: "p1", JobID: "job-9"}

		rec := do(t, h, http.MethodPost, "/profiles/p1/sync", "")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "job-9", decode[ErrorResponse](t, rec).JobID)
	})

	t.Run("network unavailable", func(t *testing.T) {
		fake, h := newTestAPI(t)
		fake.startErr = shared.ErrNetworkUnavailable
		assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/profiles/p1/sync", "").Code)
	})

	t.Run("cancel", func(t *testing.T) {
		fake, h := newTestAPI(t)
		fake.running["p1"] = "job-1"

		rec := do(t, h, http.MethodDelete, "/profiles/p1/sync", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, CancelResponse{ProfileID: "p1", JobID: "job-1"}, decode[CancelResponse](t, rec))

		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/profiles/p2/sync", "").Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, h := newTestAPI(t)
		rec := do(t, h, http.MethodGet, "/jobs/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
	})

	t.Run("invalid limit", func(t *testing.T) {
		_, h := newTestAPI(t)
		assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/profiles/p1/jobs?limit=zero", "").Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		_, h := newTestAPI(t)
		assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPut, "/profiles/p1/sync", "").Code)
	})
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{shared.ErrNotFound, http.StatusNotFound},
		{shared.ErrMissingArgument, http.StatusBadRequest},
		{shared.ErrJobNotResumable, http.StatusBadRequest},
		{shared.ErrSessionInvalid, http.StatusUnauthorized},
		{shared.ErrNetworkUnavailable, http.StatusServiceUnavailable},
		{&tasks.SyncInProgressError{ProfileID: "p"}, http.StatusConflict},
		{shared.ErrTimeout, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			got, _ := errorStatus(tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	fake, h := newTestAPI(t)
	fake.running["p1"] = "job-1"
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewClient(srv.URL, nil)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	out, err := c.CancelSync(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", out.JobID)

	_, err = c.CancelSync(ctx, "idle")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	t.Run("server down", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		url := down.URL
		down.Close()

		_, err := NewClient(url, nil).CancelSync(ctx, "p1")
		assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	})

	t.Run("defaults", func(t *testing.T) {
		c := NewClient("", nil)
		assert.Equal(t, "http://localhost:8080", c.baseURL)
		assert.Same(t, http.DefaultClient, c.httpClient)
	})
}
