package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/davarch/ci-runner/internal/infrastructure/runlogs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRuns struct {
	err       error
	submitted []domain.Event
	reports   map[string]domain.RunReport
	cancelled []string
}

func (f *fakeRuns) Submit(_ context.Context, ev domain.Event) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, ev)
	return "run-1", nil
}

func (f *fakeRuns) Report(id string) (domain.RunReport, bool) {
	r, ok := f.reports[id]
	return r, ok
}

func (f *fakeRuns) Cancel(id string) bool {
	if _, ok := f.reports[id]; !ok {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

func newTestServer(t *testing.T, runs *fakeRuns) (http.Handler, *runlogs.Store) {
	t.Helper()
	logs, err := runlogs.New(runlogs.Config{})
	require.NoError(t, err)
	return New(zap.NewNop(), runs, logs).Routes(), logs
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestPostEvent(t *testing.T) {
	runs := &fakeRuns{}
	h, _ := newTestServer(t, runs)

	rec := do(h, http.MethodPost, "/events", `{"kind":"push","ref":"refs/heads/main","source":"gitlab","sha":"abc","repo":"acme/app"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/runs/run-1", rec.Header().Get("Location"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body["run_id"])

	require.Len(t, runs.submitted, 1)
	assert.Equal(t, domain.EventPush, runs.submitted[0].Kind)
	assert.Equal(t, "gitlab", runs.submitted[0].SourceIdentity)
}

func TestPostEvent_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		code int
	}{
		{"malformed json", nil, `{`, http.StatusBadRequest},
		{"invalid event", fmt.Errorf("%w: empty ref", domain.ErrInvalidEvent), `{}`, http.StatusBadRequest},
		{"not admitted", fmt.Errorf("%w: push main", domain.ErrNotAdmitted), `{}`, http.StatusOK},
		{"bad pipeline", domain.ErrInvalidPipeline, `{}`, http.StatusUnprocessableEntity},
		{"other", fmt.Errorf("disk full"), `{}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestServer(t, &fakeRuns{err: tt.err})
			rec := do(h, http.MethodPost, "/events", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestGetRun(t *testing.T) {
	runs := &fakeRuns{reports: map[string]domain.RunReport{
		"r1": {RunID: "r1", Status: domain.RunSucceeded},
	}}
	h, _ := newTestServer(t, runs)

	rec := do(h, http.MethodGet, "/runs/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.RunSucceeded, got.Status)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/runs/nope", "").Code)
}

func TestCancelRun(t *testing.T) {
	runs := &fakeRuns{reports: map[string]domain.RunReport{"r1": {RunID: "r1"}}}
	h, _ := newTestServer(t, runs)

	assert.Equal(t, http.StatusAccepted, do(h, http.MethodDelete, "/runs/r1", "").Code)
	assert.Equal(t, []string{"r1"}, runs.cancelled)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, "/runs/r2", "").Code)
}

func TestJobLogs(t *testing.T) {
	h, logs := newTestServer(t, &fakeRuns{})
	fmt.Fprint(logs.Writer("r1", "test"), "\x1b[32mok\x1b[0m\n")

	rec := do(h, http.MethodGet, "/runs/r1/jobs/test/log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\x1b[32mok\x1b[0m\n", rec.Body.String())

	rec = do(h, http.MethodGet, "/runs/r1/jobs/test/log.html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/runs/r1/jobs/fmt/log", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestServer(t, &fakeRuns{})
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "").Code)

	rec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
