package domain

import (
	"fmt"
	"sync"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobSkipped
}

// JobRun is the runtime instance of a JobDefinition for one event. Status
// only ever moves forward: pending -> running -> terminal, or pending ->
// skipped.
type JobRun struct {
	ID  string
	Job string

	mu         sync.Mutex
	status     JobStatus
	startedAt  time.Time
	finishedAt time.Time
	output     string
	err        string
	done       chan struct{}
}

func NewJobRun(id, job string) *JobRun {
	return &JobRun{ID: id, Job: job, status: JobPending, done: make(chan struct{})}
}

func (r *JobRun) Status() JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed once the run reaches a terminal status.
func (r *JobRun) Done() <-chan struct{} { return r.done }

func (r *JobRun) Start(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != JobPending {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, r.Job, r.status, JobRunning)
	}
	r.status = JobRunning
	r.startedAt = now
	return nil
}

// Finish moves the run to a terminal status. Output and cause are recorded
// alongside.
func (r *JobRun) Finish(now time.Time, status JobStatus, output string, cause error) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, r.Job, r.status, status)
	}
	if r.status == JobPending && status != JobSkipped {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, r.Job, r.status, status)
	}
	r.status = status
	r.finishedAt = now
	r.output = output
	if cause != nil {
		r.err = cause.Error()
	}
	close(r.done)
	return nil
}

type JobRunResult struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Status     JobStatus `json:"status"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (r *JobRun) Result() JobRunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return JobRunResult{
		ID:         r.ID,
		Job:        r.Job,
		Status:     r.status,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Output:     r.output,
		Error:      r.err,
	}
}
