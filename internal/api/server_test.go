package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yt-queue/internal/format"
	"yt-queue/internal/history"
	"yt-queue/internal/logger"
	"yt-queue/internal/model"
	"yt-queue/internal/scheduler"
	"yt-queue/internal/updater"
)

type fakeJobs struct {
	mu    sync.Mutex
	jobs  map[string]model.Job
	order []string
	limit int
	added []model.FormatOptions
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]model.Job{}, limit: 2}
}

func (f *fakeJobs) Add(raw string, opts model.FormatOptions, dir string) (string, error) {
	url, err := scheduler.Canonicalize(raw)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[url]; ok {
		return url, model.ErrDuplicateJob
	}
	f.jobs[url] = model.Job{URL: url, Options: opts, OutputDir: dir, Status: model.StatusQueued}
	f.order = append(f.order, url)
	f.added = append(f.added, opts)
	return url, nil
}

func (f *fakeJobs) Cancel(raw string) bool {
	url, _ := scheduler.Canonicalize(raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[url]
	if !ok {
		return false
	}
	if job.Status == model.StatusQueued {
		delete(f.jobs, url)
		return true
	}
	job.Status = model.StatusCancelling
	f.jobs[url] = job
	return true
}

func (f *fakeJobs) DismissError(raw string) bool {
	url, _ := scheduler.Canonicalize(raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[url]
	if !ok || !job.Status.IsTerminal() {
		return false
	}
	delete(f.jobs, url)
	return true
}

func (f *fakeJobs) Job(raw string) (model.Job, bool) {
	url, _ := scheduler.Canonicalize(raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[url]
	return job, ok
}

func (f *fakeJobs) Jobs() []model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Job
	for _, u := range f.order {
		if j, ok := f.jobs[u]; ok {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeJobs) Counts() model.Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Counts{Queued: len(f.jobs), Limit: f.limit}
}

func (f *fakeJobs) SetConcurrencyLimit(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = min(max(n, 1), 5)
}

func (f *fakeJobs) ConcurrencyLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func (f *fakeJobs) set(url string, status model.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[url]
	job.URL = url
	job.Status = status
	f.jobs[url] = job
	f.order = append(f.order, url)
}

type fakeProber struct {
	err    error
	policy model.SelectionPolicy
}

func (p *fakeProber) Pick(_ context.Context, _ string, policy model.SelectionPolicy) (format.PickResult, error) {
	p.policy = policy
	if p.err != nil {
		return format.PickResult{}, p.err
	}
	return format.PickResult{FormatSpec: "136+140", Kind: format.PickVideoAudio, VideoID: "136", AudioID: "140", Policy: policy}, nil
}

type fakeHistory struct {
	opts history.ListOptions
}

func (h *fakeHistory) List(_ context.Context, opts history.ListOptions) ([]history.Entry, error) {
	h.opts = opts
	return []history.Entry{{ID: "1", URL: "https://www.youtube.com/watch?v=a", Status: model.StatusComplete}}, nil
}

type fakeLogs struct{}

func (fakeLogs) RecentLogs() []logger.LogEntry {
	return []logger.LogEntry{{Level: "info", Message: "job queued"}}
}

type fakeUpdater struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func (u *fakeUpdater) Update(context.Context) error {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	close(u.done)
	return nil
}

func (u *fakeUpdater) Info() updater.Info {
	return updater.Info{Schedule: "0 4 * * *"}
}

func newTestServer(t *testing.T, deps Deps) (*Server, *fakeJobs) {
	t.Helper()
	jobs := newFakeJobs()
	if deps.Jobs == nil {
		deps.Jobs = jobs
	}
	return NewServer(deps, zerolog.Nop()), jobs
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestServer(t, Deps{})
	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAddJobsAppliesDefaultsAndReportsDuplicates(t *testing.T) {
	policy := &model.SelectionPolicy{TargetHeight: 720}
	s, jobs := newTestServer(t, Deps{OutputDir: "/downloads", Options: model.FormatOptions{Policy: policy, MergeOutputFormat: "mp4"}})

	rec := do(t, s, http.MethodPost, "/api/v1/jobs", `{"urls":["https://youtu.be/abc","https://www.youtube.com/watch?v=abc&si=x"],"options":{"merge_output_format":"mkv"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Results []addResult `json:"results"`
		Queued  int         `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Queued)
	require.Len(t, body.Results, 2)
	assert.True(t, body.Results[0].Queued)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", body.Results[0].Canonical)
	assert.False(t, body.Results[1].Queued)
	assert.Contains(t, body.Results[1].Error, "already exists")

	require.Len(t, jobs.added, 1)
	assert.Equal(t, "mkv", jobs.added[0].MergeOutputFormat)
	assert.Equal(t, 720, jobs.added[0].Policy.TargetHeight)
	job, _ := jobs.Job("https://www.youtube.com/watch?v=abc")
	assert.Equal(t, "/downloads", job.OutputDir)

	rec = do(t, s, http.MethodPost, "/api/v1/jobs", `{"url":"https://youtu.be/abc"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/jobs", `{"url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/jobs", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddJobsFormatOverridesDefaultPolicy(t *testing.T) {
	policy := &model.SelectionPolicy{TargetHeight: 1080}
	s, jobs := newTestServer(t, Deps{Options: model.FormatOptions{Policy: policy, Format: "bv*+ba/b"}})

	rec := do(t, s, http.MethodPost, "/api/v1/jobs", `{"url":"https://youtu.be/one","options":{"format":"18"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/jobs", `{"url":"https://youtu.be/two","options":{"format":"18","policy":{"target_height":480}}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/jobs", `{"url":"https://youtu.be/three"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, jobs.added, 3)
	assert.Equal(t, "18", jobs.added[0].Format)
	assert.Nil(t, jobs.added[0].Policy, "request format must not be shadowed by the configured policy")
	require.NotNil(t, jobs.added[1].Policy)
	assert.Equal(t, 480, jobs.added[1].Policy.TargetHeight)
	require.NotNil(t, jobs.added[2].Policy)
	assert.Equal(t, 1080, jobs.added[2].Policy.TargetHeight)
	assert.Equal(t, 1080, policy.TargetHeight, "defaults are not mutated")
}

func TestListAndStatus(t *testing.T) {
	s, jobs := newTestServer(t, Deps{})
	jobs.set("https://www.youtube.com/watch?v=a", model.StatusDownloading)
	jobs.set("https://www.youtube.com/watch?v=b", model.StatusError)

	rec := do(t, s, http.MethodGet, "/api/v1/jobs?status=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, model.StatusError, list.Jobs[0].Status)

	rec = do(t, s, http.MethodGet, "/api/v1/jobs/status?url=https://youtube.com/watch?v%3Da", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.StatusDownloading, job.Status)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/jobs/status?url=https://example.com/x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/jobs/status", "").Code)
}

func TestCancelAndDismiss(t *testing.T) {
	s, jobs := newTestServer(t, Deps{})
	_, err := jobs.Add("https://www.youtube.com/watch?v=q", model.FormatOptions{}, "")
	require.NoError(t, err)
	jobs.set("https://www.youtube.com/watch?v=active", model.StatusDownloading)
	jobs.set("https://www.youtube.com/watch?v=done", model.StatusComplete)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/v1/jobs?url=https://www.youtube.com/watch?v%3Dq", "").Code)
	_, ok := jobs.Job("https://www.youtube.com/watch?v=q")
	assert.False(t, ok)

	rec := do(t, s, http.MethodDelete, "/api/v1/jobs?url=https://www.youtube.com/watch?v%3Dactive", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelling"`)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/v1/jobs?url=https://example.com/none", "").Code)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/v1/jobs/dismiss?url=https://www.youtube.com/watch?v%3Dactive", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/v1/jobs/dismiss?url=https://www.youtube.com/watch?v%3Ddone", "").Code)
}

func TestConcurrencyClamps(t *testing.T) {
	s, _ := newTestServer(t, Deps{})
	rec := do(t, s, http.MethodPut, "/api/v1/concurrency", `{"limit":9}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"limit":5}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/api/v1/concurrency", `{}`).Code)
	assert.JSONEq(t, `{"limit":5}`, do(t, s, http.MethodGet, "/api/v1/concurrency", "").Body.String())
}

func TestProbe(t *testing.T) {
	s, _ := newTestServer(t, Deps{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/api/v1/probe", `{"url":"u"}`).Code)

	prober := &fakeProber{}
	s, _ = newTestServer(t, Deps{Prober: prober, Options: model.FormatOptions{Policy: &model.SelectionPolicy{TargetHeight: 480}}})
	rec := do(t, s, http.MethodPost, "/api/v1/probe", `{"url":"https://www.youtube.com/watch?v=a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 480, prober.policy.TargetHeight)
	var res format.PickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "136+140", res.FormatSpec)

	do(t, s, http.MethodPost, "/api/v1/probe", `{"url":"u","policy":{"audio_only":true}}`)
	assert.True(t, prober.policy.AudioOnly)

	prober.err = fmt.Errorf("probe: %w", model.ErrProbeTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, do(t, s, http.MethodPost, "/api/v1/probe", `{"url":"u"}`).Code)
	prober.err = model.ErrProbeFailed
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodPost, "/api/v1/probe", `{"url":"u"}`).Code)
}

func TestHistoryLogsAndUpdater(t *testing.T) {
	hist := &fakeHistory{}
	upd := &fakeUpdater{done: make(chan struct{})}
	s, _ := newTestServer(t, Deps{History: hist, Logs: fakeLogs{}, Updater: upd})

	rec := do(t, s, http.MethodGet, "/api/v1/history?limit=5&status=complete", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, hist.opts.Limit)
	assert.Equal(t, model.StatusComplete, hist.opts.Status)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/history?limit=x", "").Code)

	rec = do(t, s, http.MethodGet, "/api/v1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "job queued")

	rec = do(t, s, http.MethodGet, "/api/v1/updater", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0 4 * * *")

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/updater/run", "").Code)
	<-upd.done
}

func TestDisabledCollaborators(t *testing.T) {
	s, _ := newTestServer(t, Deps{})
	assert.JSONEq(t, `[]`, do(t, s, http.MethodGet, "/api/v1/history", "").Body.String())
	assert.JSONEq(t, `[]`, do(t, s, http.MethodGet, "/api/v1/logs", "").Body.String())
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/updater", "").Code)
}

func TestWebsocketCommands(t *testing.T) {
	s, jobs := newTestServer(t, Deps{OutputDir: "/dl"})

	require.NoError(t, s.handleCommand("job:add", json.RawMessage(`{"url":"https://youtu.be/zz"}`)))
	job, ok := jobs.Job("https://www.youtube.com/watch?v=zz")
	require.True(t, ok)
	assert.Equal(t, "/dl", job.OutputDir)

	require.NoError(t, s.handleCommand("job:cancel", json.RawMessage(`{"url":"https://youtu.be/zz"}`)))
	assert.Error(t, s.handleCommand("job:cancel", json.RawMessage(`{"url":"https://youtu.be/zz"}`)))
	assert.Error(t, s.handleCommand("job:dismiss", json.RawMessage(`{}`)))

	require.NoError(t, s.handleCommand("concurrency:set", json.RawMessage(`{"limit":0}`)))
	assert.Equal(t, 1, jobs.ConcurrencyLimit())
	assert.Error(t, s.handleCommand("bogus", nil))
}
