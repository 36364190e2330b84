package domain

import (
	"context"
	"io"
)

type Provisioner interface {
	Prepare(ctx context.Context, job JobDefinition) (ToolchainHandle, error)
}

type CacheStore interface {
	// Restore extracts the entry matching one of keys (exact first, then
	// prefix fallback) into dst. ok is false on a miss.
	Restore(ctx context.Context, dst string, keys ...string) (entry CacheEntry, ok bool, err error)
	Save(ctx context.Context, key, src string, paths []string) error
}

// Workspace is an isolated working environment for one job run.
type Workspace interface {
	Dir() string
	Execute(ctx context.Context, steps []Step, tc ToolchainHandle) (ExecResult, error)
	Cleanup() error
}

type Sandbox interface {
	Open(run *JobRun, job JobDefinition, ev Event, out io.Writer) (Workspace, error)
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, r RunReport) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body, url string) error
}

type StatusCache interface {
	Write(ctx context.Context, r RunReport) error
}

// LogSink receives live job output while a run is in progress.
type LogSink interface {
	Writer(runID, job string) io.Writer
}
