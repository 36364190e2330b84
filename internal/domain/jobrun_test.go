package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRun_Transitions(t *testing.T) {
	now := time.Now()

	t.Run("pending to running to succeeded", func(t *testing.T) {
		r := NewJobRun("1", "test")
		require.NoError(t, r.Start(now))
		require.NoError(t, r.Finish(now, JobSucceeded, "ok", nil))
		assert.Equal(t, JobSucceeded, r.Status())
		assert.Equal(t, "ok", r.Result().Output)

		select {
		case <-r.Done():
		default:
			t.Fatal("done not closed")
		}
	})

	t.Run("pending straight to skipped", func(t *testing.T) {
		r := NewJobRun("1", "test")
		require.NoError(t, r.Finish(now, JobSkipped, "", nil))
		assert.Equal(t, JobSkipped, r.Status())
	})

	t.Run("pending cannot fail without running", func(t *testing.T) {
		r := NewJobRun("1", "test")
		err := r.Finish(now, JobFailed, "", nil)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("terminal never reverses", func(t *testing.T) {
		r := NewJobRun("1", "test")
		require.NoError(t, r.Start(now))
		require.NoError(t, r.Finish(now, JobFailed, "boom", ErrStepExecution))

		assert.ErrorIs(t, r.Start(now), ErrInvalidTransition)
		assert.ErrorIs(t, r.Finish(now, JobSkipped, "", nil), ErrInvalidTransition)
		assert.Equal(t, JobFailed, r.Status())
		assert.Equal(t, ErrStepExecution.Error(), r.Result().Error)
	})
}

func TestEvent_Branch(t *testing.T) {
	assert.Equal(t, "main", Event{Ref: "refs/heads/main"}.Branch())
	assert.Equal(t, "feature/x", Event{Ref: "feature/x"}.Branch())
}

func TestRunReport_Summary(t *testing.T) {
	r := RunReport{Jobs: []JobRunResult{
		{Job: "test", Status: JobSucceeded},
		{Job: "fmt", Status: JobFailed},
		{Job: "clippy", Status: JobSucceeded},
		{Job: "coverage", Status: JobSkipped},
	}}
	assert.Equal(t, "2 succeeded, 1 failed, 1 skipped", r.Summary())
	assert.Equal(t, "0 succeeded", RunReport{}.Summary())
}
