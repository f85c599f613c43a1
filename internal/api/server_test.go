package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adgen-orchestrator/internal/controller"
	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/ratelimit"
	"adgen-orchestrator/internal/selection"
	"adgen-orchestrator/internal/store"
)

type fakeJobs struct {
	created []controller.Brief
	views   map[string]models.JobView
}

func (f *fakeJobs) CreateJob(_ context.Context, b controller.Brief) (models.Job, error) {
	if len(b.Candidates) < 2 {
		return models.Job{}, &controller.ValidationError{Field: "candidates", Reason: "need at least 2"}
	}
	f.created = append(f.created, b)
	return models.Job{ID: "job-1", OwnerID: b.OwnerID, Status: models.JobPairSelection}, nil
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (models.JobView, error) {
	v, ok := f.views[id]
	if !ok {
		return models.JobView{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return v, nil
}

func (f *fakeJobs) CancelJob(_ context.Context, id string) (models.Job, error) {
	v, ok := f.views[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if v.Job.Status.Terminal() {
		return v.Job, controller.ErrJobTerminal
	}
	v.Job.Status = models.JobCancelled
	return v.Job, nil
}

type fakeBudget struct {
	decision ratelimit.Decision
	err      error
	clips    []int
}

func (f *fakeBudget) Take(_ context.Context, _ string, clips int) (ratelimit.Decision, error) {
	f.clips = append(f.clips, clips)
	return f.decision, f.err
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func briefBody(t *testing.T, n int) *bytes.Reader {
	t.Helper()
	b := controller.Brief{OwnerID: "acme"}
	for i := 0; i < n; i++ {
		b.Candidates = append(b.Candidates, selection.Candidate{
			ID:     fmt.Sprintf("c%d", i),
			Inputs: []string{"a.png", "b.png"},
		})
	}
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestCreateJob(t *testing.T) {
	jobs := &fakeJobs{}
	srv := httptest.NewServer(New(jobs, nil, nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs", "application/json", briefBody(t, 3))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var out createResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "job-1", out.Job.ID)
	require.Len(t, jobs.created, 1)
	assert.Len(t, jobs.created[0].Candidates, 3)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	srv := httptest.NewServer(New(&fakeJobs{}, nil, nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs", "application/json", briefBody(t, 1))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateJobSpendsClipBudget(t *testing.T) {
	budget := &fakeBudget{decision: ratelimit.Decision{Allowed: true}}
	srv := httptest.NewServer(New(&fakeJobs{}, budget, nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs", "application/json", briefBody(t, 4))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []int{4}, budget.clips)
}

func TestCreateJobRateLimited(t *testing.T) {
	budget := &fakeBudget{decision: ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}}
	srv := httptest.NewServer(New(&fakeJobs{}, budget, nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs", "application/json", briefBody(t, 3))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	budget.decision = ratelimit.Decision{}
	resp, err = http.Post(srv.URL+"/jobs", "application/json", briefBody(t, 3))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Retry-After"))
}

func TestRequestedClipsHonoursTarget(t *testing.T) {
	b := controller.Brief{Candidates: make([]selection.Candidate, 6)}
	for i := range b.Candidates {
		b.Candidates[i].Inputs = []string{"a.png"}
	}
	assert.Equal(t, 6, requestedClips(b))
	b.Candidates[5].Inputs = nil
	assert.Equal(t, 5, requestedClips(b), "empty candidates never become clips")
	two := 2
	b.Params.TargetCount = &two
	assert.Equal(t, 2, requestedClips(b))
}

func TestCreateJobAdmitsWhenLimiterDown(t *testing.T) {
	srv := httptest.NewServer(New(&fakeJobs{}, &fakeBudget{err: errors.New("redis down")}, nil).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs", "application/json", briefBody(t, 3))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestGetAndCancelJob(t *testing.T) {
	jobs := &fakeJobs{views: map[string]models.JobView{
		"live": {Job: models.Job{ID: "live", Status: models.JobSubJobProcessing}, Progress: models.Progress{Total: 4, Processing: 4}},
		"done": {Job: models.Job{ID: "done", Status: models.JobCompleted}},
	}}
	srv := httptest.NewServer(New(jobs, nil, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/live")
	require.NoError(t, err)
	var view models.JobView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, view.Progress.Processing)

	resp, err = http.Get(srv.URL + "/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/jobs/live/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/jobs/done/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/jobs/missing/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New(&fakeJobs{}, nil, nil).Router())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	degraded := httptest.NewServer(New(&fakeJobs{}, nil, downPinger{}).Router())
	defer degraded.Close()
	resp, err = http.Get(degraded.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
