package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	var got domain.RunReport
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(EventHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := domain.RunReport{RunID: "r1", Pipeline: "ci", Status: domain.RunSucceeded}
	require.NoError(t, New(srv.URL).Publish(context.Background(), r))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "run.succeeded", header)
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).Publish(context.Background(), domain.RunReport{RunID: "r1"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPublish_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var perm *backoff.PermanentError
	assert.ErrorAs(t, New(srv.URL).Publish(context.Background(), domain.RunReport{}), &perm)
}
