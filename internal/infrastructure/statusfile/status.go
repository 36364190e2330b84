// Package statusfile keeps a JSON snapshot of the most recent run so shell
// prompts and status bars can read it without talking to the runner.
package statusfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/sdassow/atomic"
)

type File struct {
	path string
}

func New(path string) *File { return &File{path: path} }

type jobOut struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type snapshot struct {
	RunID     string   `json:"run_id"`
	Name      string   `json:"name"`
	Pipeline  string   `json:"pipeline"`
	Event     string   `json:"event"`
	Ref       string   `json:"ref"`
	SHA       string   `json:"sha,omitempty"`
	Status    string   `json:"status"`
	Jobs      []jobOut `json:"jobs"`
	Finished  int64    `json:"finished"`
	Retrieved int64    `json:"retrieved"`
}

func (f *File) Write(_ context.Context, r domain.RunReport) error {
	if f.path == "" {
		return errors.New("status path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	s := snapshot{
		RunID:     r.RunID,
		Name:      r.Name,
		Pipeline:  r.Pipeline,
		Event:     string(r.Event.Kind),
		Ref:       r.Event.Ref,
		SHA:       r.Event.SHA,
		Status:    string(r.Status),
		Finished:  r.FinishedAt.Unix(),
		Retrieved: time.Now().Unix(),
		Jobs:      make([]jobOut, 0, len(r.Jobs)),
	}
	for _, j := range r.Jobs {
		o := jobOut{Name: j.Job, Status: string(j.Status), Error: j.Error}
		if !j.StartedAt.IsZero() && !j.FinishedAt.IsZero() {
			o.Duration = j.FinishedAt.Sub(j.StartedAt).Round(time.Millisecond).String()
		}
		s.Jobs = append(s.Jobs, o)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return err
	}
	return atomic.WriteFile(f.path, &buf)
}
