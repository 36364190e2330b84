package domain

import (
	"context"
	"io"
	"os"
	"sync"
)

type MockProvisioner struct {
	Err error

	mu       sync.Mutex
	Prepared []string
}

func (m *MockProvisioner) Prepare(ctx context.Context, job JobDefinition) (ToolchainHandle, error) {
	m.mu.Lock()
	m.Prepared = append(m.Prepared, job.Name)
	m.mu.Unlock()
	if m.Err != nil {
		return ToolchainHandle{}, m.Err
	}
	return ToolchainHandle{Name: job.Toolchain.Name, Version: job.Toolchain.Version}, nil
}

type MockCacheStore struct {
	SaveErr error

	mu       sync.Mutex
	Restored []string
	Saved    []string
}

func (c *MockCacheStore) Restore(ctx context.Context, dst string, keys ...string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Restored = append(c.Restored, keys...)
	return CacheEntry{}, false, nil
}

func (c *MockCacheStore) Save(ctx context.Context, key, src string, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SaveErr != nil {
		return c.SaveErr
	}
	c.Saved = append(c.Saved, key)
	return nil
}

// MockSandbox runs Script[job] in place of the job's steps. Jobs without a
// script succeed with empty output.
type MockSandbox struct {
	Script map[string]func(ctx context.Context) (ExecResult, error)

	mu       sync.Mutex
	Executed []string
}

func (s *MockSandbox) Open(run *JobRun, job JobDefinition, ev Event, out io.Writer) (Workspace, error) {
	return &mockWorkspace{sb: s, job: job.Name, dir: os.TempDir()}, nil
}

func (s *MockSandbox) Ran(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.Executed {
		if j == job {
			return true
		}
	}
	return false
}

type mockWorkspace struct {
	sb  *MockSandbox
	job string
	dir string
}

func (w *mockWorkspace) Dir() string { return w.dir }

func (w *mockWorkspace) Execute(ctx context.Context, steps []Step, tc ToolchainHandle) (ExecResult, error) {
	w.sb.mu.Lock()
	w.sb.Executed = append(w.sb.Executed, w.job)
	fn := w.sb.Script[w.job]
	w.sb.mu.Unlock()
	if fn == nil {
		return ExecResult{}, nil
	}
	return fn(ctx)
}

func (w *mockWorkspace) Cleanup() error { return nil }

type MockPublisher struct {
	Err      error
	FailN    int
	Attempts int
	Reports  []RunReport

	mu sync.Mutex
}

func (p *MockPublisher) Name() string { return "mock" }

func (p *MockPublisher) Publish(ctx context.Context, r RunReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Attempts++
	if p.Err != nil {
		return p.Err
	}
	if p.Attempts <= p.FailN {
		return ErrPublish
	}
	p.Reports = append(p.Reports, r)
	return nil
}

type MockNotifier struct {
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(ctx context.Context, title, body, url string) error {
	n.Messages = append(n.Messages, title+"|"+body+"|"+url)
	return n.Err
}

type MockStatusCache struct {
	Reports []RunReport
	Err     error
}

func (c *MockStatusCache) Write(ctx context.Context, r RunReport) error {
	if c.Err != nil {
		return c.Err
	}
	c.Reports = append(c.Reports, r)
	return nil
}
