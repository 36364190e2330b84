package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/davarch/ci-runner/internal/domain"
	"go.uber.org/zap"
)

// execute runs one admitted job: provision, restore caches, run steps, save
// caches. It returns the terminal status for the job run.
func (s *Scheduler) execute(ctx context.Context, log *zap.Logger, x *execution, job domain.JobDefinition, run *domain.JobRun) (domain.JobStatus, string, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var diag bytes.Buffer
	out, flush := s.output(x, job.Name)
	defer flush()

	classify := func(err error, output string) (domain.JobStatus, string, error) {
		switch {
		case ctx.Err() != nil:
			return domain.JobSkipped, output, nil
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			return domain.JobFailed, output, fmt.Errorf("%w after %s", domain.ErrTimeout, timeout)
		default:
			return domain.JobFailed, output, err
		}
	}

	tc, err := s.prov.Prepare(jobCtx, job)
	if err != nil {
		fmt.Fprintf(&diag, "provisioning: %v\n", err)
		return classify(err, diag.String())
	}

	ws, err := s.sandbox.Open(run, job, x.event, out)
	if err != nil {
		return classify(fmt.Errorf("opening workspace: %w", err), "")
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			log.Warn("workspace cleanup", zap.Error(err))
		}
	}()

	keys := s.restoreCaches(jobCtx, log, job, tc, ws.Dir())

	res, err := ws.Execute(jobCtx, job.Steps, tc)
	if err != nil {
		return classify(err, res.Output)
	}
	if ctx.Err() != nil {
		return domain.JobSkipped, res.Output, nil
	}

	s.saveCaches(jobCtx, log, job, keys, ws.Dir())
	return domain.JobSucceeded, res.Output, nil
}

// flusher is implemented by writers that hold back a partial line.
type flusher interface {
	Flush() error
}

// output returns the job's live writer and a func that flushes any partial
// line still buffered once the job is done.
func (s *Scheduler) output(x *execution, job string) (io.Writer, func()) {
	var ws []io.Writer
	if s.logs != nil {
		ws = append(ws, s.logs.Writer(x.id, job))
	}
	if x.output != nil {
		if w := x.output(job); w != nil {
			ws = append(ws, w)
		}
	}
	flush := func() {
		for _, w := range ws {
			if f, ok := w.(flusher); ok {
				_ = f.Flush()
			}
		}
	}
	switch len(ws) {
	case 0:
		return io.Discard, flush
	case 1:
		return ws[0], flush
	}
	return io.MultiWriter(ws...), flush
}

// restoreCaches returns the exact keys computed for each cache spec, so the
// same keys are used when saving.
func (s *Scheduler) restoreCaches(ctx context.Context, log *zap.Logger, job domain.JobDefinition, tc domain.ToolchainHandle, dst string) map[string]string {
	keys := make(map[string]string, len(job.Caches))
	if s.cache == nil {
		return keys
	}
	for _, spec := range job.Caches {
		key, err := CacheKey(spec, tc.Scope(), s.source)
		if err != nil {
			log.Warn("cache key", zap.String("cache", spec.Name), zap.Error(err))
			continue
		}
		keys[spec.Name] = key

		entry, ok, err := s.cache.Restore(ctx, dst, key, CachePrefix(spec, tc.Scope()))
		switch {
		case err != nil:
			cacheRestoreMetric.WithLabelValues("error").Inc()
			log.Warn("cache restore", zap.String("key", key), zap.Error(err))
		case !ok:
			cacheRestoreMetric.WithLabelValues("miss").Inc()
			log.Debug("cache miss", zap.String("key", key))
		case entry.Key == key:
			cacheRestoreMetric.WithLabelValues("hit").Inc()
			log.Info("cache hit", zap.String("key", key))
		default:
			cacheRestoreMetric.WithLabelValues("partial").Inc()
			log.Info("cache partial hit", zap.String("key", key), zap.String("restored", entry.Key))
		}
	}
	return keys
}

func (s *Scheduler) saveCaches(ctx context.Context, log *zap.Logger, job domain.JobDefinition, keys map[string]string, src string) {
	if s.cache == nil {
		return
	}
	for _, spec := range job.Caches {
		key, ok := keys[spec.Name]
		if !ok {
			continue
		}
		if err := s.cache.Save(ctx, key, src, spec.Paths); err != nil {
			log.Warn("cache save", zap.String("key", key), zap.Error(err))
		}
	}
}
