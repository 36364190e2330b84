package domain

import (
	"fmt"
	"time"
)

type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

func (k EventKind) Valid() bool {
	return k == EventPush || k == EventPullRequest
}

// Event is a source-control trigger. It is created by the caller and never
// mutated afterwards.
type Event struct {
	Kind           EventKind `json:"kind"`
	Ref            string    `json:"ref"`
	SourceIdentity string    `json:"source"`
	SHA            string    `json:"sha,omitempty"`
	Repo           string    `json:"repo,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Branch strips the refs/heads/ prefix if present.
func (e Event) Branch() string {
	const heads = "refs/heads/"
	if len(e.Ref) > len(heads) && e.Ref[:len(heads)] == heads {
		return e.Ref[len(heads):]
	}
	return e.Ref
}

type StepKind string

const (
	StepCheckout         StepKind = "checkout"
	StepInstallToolchain StepKind = "install_toolchain"
	StepInstallComponent StepKind = "install_component"
	StepRunCommand       StepKind = "run_command"
)

type Step struct {
	Kind   StepKind
	Name   string
	Params map[string]string
}

// Param returns the named parameter or def.
func (s Step) Param(key, def string) string {
	if v, ok := s.Params[key]; ok && v != "" {
		return v
	}
	return def
}

type TriggerFilter struct {
	Events   []EventKind
	Branches []string
}

type ToolchainSpec struct {
	Name       string
	Version    string
	Components []string
}

type CacheKeySpec struct {
	Name      string
	Paths     []string
	HashFiles []string
}

type JobDefinition struct {
	Name      string
	Triggers  TriggerFilter
	Toolchain ToolchainSpec
	Steps     []Step
	Needs     []string
	Caches    []CacheKeySpec
	Timeout   time.Duration
	Env       map[string]string
}

// PipelineDefinition is loaded once per run and treated as read-only.
type PipelineDefinition struct {
	Name        string
	Jobs        []JobDefinition
	FailFast    bool
	Concurrency int
}

func (p PipelineDefinition) Job(name string) (JobDefinition, bool) {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobDefinition{}, false
}

type ToolchainHandle struct {
	Name       string
	Version    string
	BinDir     string
	Components []string
}

// Scope namespaces cache keys per toolchain.
func (h ToolchainHandle) Scope() string {
	if h.Name == "" {
		return "host"
	}
	return h.Name + "-" + h.Version
}

type CacheEntry struct {
	Key        string    `json:"key"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type ExecResult struct {
	ExitStatus int
	Output     string
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	// RunCancelled marks a run stopped before its jobs could finish,
	// either by the caller or by a superseding event.
	RunCancelled RunStatus = "cancelled"
)

type RunReport struct {
	RunID      string         `json:"run_id"`
	Name       string         `json:"name"`
	Pipeline   string         `json:"pipeline"`
	Event      Event          `json:"event"`
	Status     RunStatus      `json:"status"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	Jobs       []JobRunResult `json:"jobs"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

func (r RunReport) JobResult(name string) (JobRunResult, bool) {
	for _, j := range r.Jobs {
		if j.Job == name {
			return j, true
		}
	}
	return JobRunResult{}, false
}

// Summary counts jobs by terminal status, e.g. "3 succeeded, 1 failed".
func (r RunReport) Summary() string {
	var ok, failed, skipped int
	for _, j := range r.Jobs {
		switch j.Status {
		case JobSucceeded:
			ok++
		case JobFailed:
			failed++
		case JobSkipped:
			skipped++
		}
	}
	s := fmt.Sprintf("%d succeeded", ok)
	if failed > 0 {
		s += fmt.Sprintf(", %d failed", failed)
	}
	if skipped > 0 {
		s += fmt.Sprintf(", %d skipped", skipped)
	}
	return s
}
