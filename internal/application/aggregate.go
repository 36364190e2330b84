package application

import (
	"github.com/davarch/ci-runner/internal/domain"
)

// Aggregate derives the overall status: failed if any job failed, pending
// while any job is not terminal, succeeded otherwise.
func Aggregate(jobs []domain.JobRunResult) domain.RunStatus {
	pending := false
	for _, j := range jobs {
		switch {
		case j.Status == domain.JobFailed:
			return domain.RunFailed
		case !j.Status.Terminal():
			pending = true
		}
	}
	if pending {
		return domain.RunPending
	}
	return domain.RunSucceeded
}

// Finalize snapshots the job runs into a report. A cancelled run never
// counts as succeeded, since its skipped jobs did not skip by choice.
func Finalize(base domain.RunReport, runs []*domain.JobRun) domain.RunReport {
	out := base
	out.Jobs = make([]domain.JobRunResult, 0, len(runs))
	for _, r := range runs {
		out.Jobs = append(out.Jobs, r.Result())
	}
	out.Status = Aggregate(out.Jobs)
	if out.Cancelled && out.Status != domain.RunFailed {
		out.Status = domain.RunCancelled
	}
	return out
}
