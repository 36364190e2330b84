package application

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const DefaultJobTimeout = time.Hour

type RunOptions struct {
	// RunID is generated when empty.
	RunID string
	// Only restricts the run to the named jobs, bypassing trigger and
	// dependency filtering.
	Only        []string
	FailFast    bool
	Concurrency int
	// Output, if set, receives each job's live output.
	Output func(job string) io.Writer
}

type Scheduler struct {
	log     *zap.Logger
	prov    domain.Provisioner
	cache   domain.CacheStore
	sandbox domain.Sandbox
	logs    domain.LogSink

	source         string
	defaultTimeout time.Duration
	now            func() time.Time
}

type SchedulerOption func(*Scheduler)

// WithSource sets the directory cache keys are hashed against.
func WithSource(dir string) SchedulerOption {
	return func(s *Scheduler) { s.source = dir }
}

func WithJobTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

func WithLogSink(l domain.LogSink) SchedulerOption {
	return func(s *Scheduler) { s.logs = l }
}

func NewScheduler(l *zap.Logger, prov domain.Provisioner, cache domain.CacheStore, sb domain.Sandbox, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		log: l, prov: prov, cache: cache, sandbox: sb,
		source:         ".",
		defaultTimeout: DefaultJobTimeout,
		now:            time.Now,
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// execution is the mutable state of one pipeline run.
type execution struct {
	id       string
	event    domain.Event
	only     bool
	failFast bool
	sem      *semaphore.Weighted
	runs     map[string]*domain.JobRun
	ordered  []*domain.JobRun
	output   func(job string) io.Writer

	// halted is cancelled when fail-fast trips; jobs that have not started
	// yet observe it and skip.
	halted context.Context
	halt   context.CancelFunc
	once   sync.Once
}

// Run executes the pipeline for ev and blocks until every job run is
// terminal. Graph errors are returned before any job starts; job failures
// are reported in the RunReport only.
func (s *Scheduler) Run(ctx context.Context, p domain.PipelineDefinition, ev domain.Event, opts RunOptions) (domain.RunReport, error) {
	jobs, err := Plan(p, opts.Only)
	if err != nil {
		return domain.RunReport{}, err
	}

	x := &execution{
		id:       opts.RunID,
		event:    ev,
		only:     len(opts.Only) > 0,
		failFast: p.FailFast || opts.FailFast,
		runs:     make(map[string]*domain.JobRun, len(jobs)),
		output:   opts.Output,
	}
	if x.id == "" {
		x.id = uuid.NewString()
	}
	limit := p.Concurrency
	if opts.Concurrency > 0 {
		limit = opts.Concurrency
	}
	if limit > 0 {
		x.sem = semaphore.NewWeighted(int64(limit))
	}
	x.halted, x.halt = context.WithCancel(ctx)
	defer x.halt()

	for _, j := range jobs {
		r := domain.NewJobRun(uuid.NewString(), j.Name)
		x.runs[j.Name] = r
		x.ordered = append(x.ordered, r)
	}

	base := domain.RunReport{
		RunID:     x.id,
		Name:      petname.Generate(2, "-"),
		Pipeline:  p.Name,
		Event:     ev,
		StartedAt: s.now(),
	}
	log := s.log.With(zap.String("run", x.id), zap.String("event", string(ev.Kind)), zap.String("ref", ev.Ref))
	log.Info("run started", zap.Int("jobs", len(jobs)), zap.Bool("fail_fast", x.failFast), zap.Int("concurrency", limit))

	var wg sync.WaitGroup
	for _, j := range jobs {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.schedule(ctx, log, x, j)
		}()
	}
	wg.Wait()

	base.FinishedAt = s.now()
	base.Cancelled = ctx.Err() != nil
	report := Finalize(base, x.ordered)
	runsMetric.WithLabelValues(string(report.Status)).Inc()
	log.Info("run finished", zap.String("status", string(report.Status)), zap.Duration("took", base.FinishedAt.Sub(base.StartedAt)))
	return report, nil
}

func (s *Scheduler) schedule(ctx context.Context, log *zap.Logger, x *execution, job domain.JobDefinition) {
	run := x.runs[job.Name]
	log = log.With(zap.String("job", job.Name))

	skip := func(reason string) {
		log.Info("job skipped", zap.String("reason", reason))
		_ = run.Finish(s.now(), domain.JobSkipped, "", nil)
		jobRunsMetric.WithLabelValues(job.Name, string(domain.JobSkipped)).Inc()
	}

	if !x.only && !Triggered(job.Triggers, x.event) {
		skip("not triggered by event")
		return
	}

	for _, dep := range job.Needs {
		r := x.runs[dep]
		select {
		case <-r.Done():
		case <-x.halted.Done():
			skip("run halted")
			return
		}
		if st := r.Status(); st != domain.JobSucceeded {
			skip("dependency " + dep + " " + string(st))
			return
		}
	}

	if x.sem != nil {
		if err := x.sem.Acquire(x.halted, 1); err != nil {
			skip("run halted")
			return
		}
		defer x.sem.Release(1)
	}
	if x.halted.Err() != nil {
		skip("run halted")
		return
	}

	if err := run.Start(s.now()); err != nil {
		log.Error("job start", zap.Error(err))
		return
	}
	log.Info("job started")

	status, output, cause := s.execute(ctx, log, x, job, run)
	if err := run.Finish(s.now(), status, output, cause); err != nil {
		log.Error("job finish", zap.Error(err))
	}

	res := run.Result()
	jobRunsMetric.WithLabelValues(job.Name, string(status)).Inc()
	jobDurationMetric.WithLabelValues(job.Name).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	if status == domain.JobFailed {
		log.Warn("job failed", zap.Error(cause))
		if x.failFast {
			x.once.Do(func() {
				log.Info("fail fast: halting remaining jobs")
				x.halt()
			})
		}
		return
	}
	log.Info("job finished", zap.String("status", string(status)))
}
