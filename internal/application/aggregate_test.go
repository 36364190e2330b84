package application

import (
	"testing"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	res := func(ss ...domain.JobStatus) []domain.JobRunResult {
		out := make([]domain.JobRunResult, len(ss))
		for i, s := range ss {
			out[i] = domain.JobRunResult{Status: s}
		}
		return out
	}

	assert.Equal(t, domain.RunSucceeded, Aggregate(res(domain.JobSucceeded, domain.JobSucceeded)))
	assert.Equal(t, domain.RunSucceeded, Aggregate(res(domain.JobSucceeded, domain.JobSkipped)))
	assert.Equal(t, domain.RunFailed, Aggregate(res(domain.JobSucceeded, domain.JobFailed)))
	assert.Equal(t, domain.RunFailed, Aggregate(res(domain.JobRunning, domain.JobFailed)))
	assert.Equal(t, domain.RunPending, Aggregate(res(domain.JobSucceeded, domain.JobRunning)))
	assert.Equal(t, domain.RunPending, Aggregate(res(domain.JobPending)))
}

func TestFinalize_CancelledRun(t *testing.T) {
	skipped := domain.NewJobRun("1", "test")
	require.NoError(t, skipped.Finish(time.Now(), domain.JobSkipped, "", nil))

	report := Finalize(domain.RunReport{RunID: "r", Cancelled: true}, []*domain.JobRun{skipped})
	assert.Equal(t, domain.RunCancelled, report.Status)

	failed := domain.NewJobRun("2", "fmt")
	require.NoError(t, failed.Start(time.Now()))
	require.NoError(t, failed.Finish(time.Now(), domain.JobFailed, "", domain.ErrStepExecution))

	report = Finalize(domain.RunReport{RunID: "r", Cancelled: true}, []*domain.JobRun{skipped, failed})
	assert.Equal(t, domain.RunFailed, report.Status)

	report = Finalize(domain.RunReport{RunID: "r"}, []*domain.JobRun{skipped})
	assert.Equal(t, domain.RunSucceeded, report.Status)
}
