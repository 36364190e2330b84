package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const historySize = 100

// PipelineSource loads the pipeline definition for a new run.
type PipelineSource func(ctx context.Context) (domain.PipelineDefinition, error)

// Dispatcher is the event entry point. A new event on a ref cancels the run
// still in flight for that ref.
type Dispatcher struct {
	log      *zap.Logger
	sched    *Scheduler
	source   PipelineSource
	reporter *Reporter
	note     domain.Notifier
	status   domain.StatusCache
	opts     RunOptions

	mu       sync.Mutex
	inflight map[string]inflightRun
	reports  map[string]domain.RunReport
	order    []string
	wg       sync.WaitGroup
}

type inflightRun struct {
	id     string
	cancel context.CancelFunc
}

func NewDispatcher(l *zap.Logger, sched *Scheduler, src PipelineSource, rep *Reporter, note domain.Notifier, status domain.StatusCache, opts RunOptions) *Dispatcher {
	return &Dispatcher{
		log: l, sched: sched, source: src, reporter: rep, note: note, status: status, opts: opts,
		inflight: make(map[string]inflightRun),
		reports:  make(map[string]domain.RunReport),
	}
}

// OnEvent admits ev and runs the pipeline to completion.
func (d *Dispatcher) OnEvent(ctx context.Context, ev domain.Event) (domain.RunReport, error) {
	p, err := d.admit(ctx, &ev)
	if err != nil {
		return domain.RunReport{}, err
	}
	return d.execute(ctx, uuid.NewString(), p, ev)
}

// Submit admits ev and runs the pipeline in the background, returning the
// run ID immediately.
func (d *Dispatcher) Submit(ctx context.Context, ev domain.Event) (string, error) {
	p, err := d.admit(ctx, &ev)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	d.remember(domain.RunReport{RunID: id, Pipeline: p.Name, Event: ev, Status: domain.RunPending, StartedAt: time.Now()})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.execute(context.WithoutCancel(ctx), id, p, ev); err != nil {
			d.log.Error("run", zap.String("run", id), zap.Error(err))
			d.remember(domain.RunReport{RunID: id, Pipeline: p.Name, Event: ev, Status: domain.RunFailed, FinishedAt: time.Now()})
		}
	}()
	return id, nil
}

// Wait blocks until background runs have finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Shutdown cancels every run in flight and waits for them to wind down.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for _, r := range d.inflight {
		r.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Cancel stops the in-flight run with the given ID, if any.
func (d *Dispatcher) Cancel(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.inflight {
		if r.id == runID {
			r.cancel()
			return true
		}
	}
	return false
}

func (d *Dispatcher) Report(runID string) (domain.RunReport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.reports[runID]
	return r, ok
}

func (d *Dispatcher) admit(ctx context.Context, ev *domain.Event) (domain.PipelineDefinition, error) {
	if err := ValidateEvent(*ev); err != nil {
		return domain.PipelineDefinition{}, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	p, err := d.source(ctx)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	if _, err := Plan(p, d.opts.Only); err != nil {
		return domain.PipelineDefinition{}, err
	}
	if len(d.opts.Only) > 0 {
		return p, nil
	}
	ok, err := Admit(p, *ev)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	if !ok {
		return domain.PipelineDefinition{}, fmt.Errorf("%w: %s %s", domain.ErrNotAdmitted, ev.Kind, ev.Ref)
	}
	return p, nil
}

func (d *Dispatcher) execute(ctx context.Context, id string, p domain.PipelineDefinition, ev domain.Event) (domain.RunReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	key := ev.Repo + "@" + ev.Ref
	d.mu.Lock()
	if prev, ok := d.inflight[key]; ok {
		d.log.Info("superseding run", zap.String("run", prev.id), zap.String("by", id), zap.String("ref", ev.Ref))
		prev.cancel()
	}
	d.inflight[key] = inflightRun{id: id, cancel: cancel}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if cur, ok := d.inflight[key]; ok && cur.id == id {
			delete(d.inflight, key)
		}
		d.mu.Unlock()
	}()

	opts := d.opts
	opts.RunID = id
	report, err := d.sched.Run(ctx, p, ev, opts)
	if err != nil {
		return domain.RunReport{}, err
	}
	d.remember(report)

	after := context.WithoutCancel(ctx)
	if d.reporter != nil {
		d.reporter.Publish(after, report)
	}
	if d.status != nil {
		if err := d.status.Write(after, report); err != nil {
			d.log.Warn("status file", zap.Error(err))
		}
	}
	if d.note != nil {
		body := fmt.Sprintf("%s on %s: %s", report.Name, ev.Branch(), report.Summary())
		_ = d.note.Notify(after, titleFor(report.Status), body, "")
	}
	return report, nil
}

func (d *Dispatcher) remember(r domain.RunReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.reports[r.RunID]; !ok {
		d.order = append(d.order, r.RunID)
	}
	d.reports[r.RunID] = r
	for len(d.order) > historySize {
		delete(d.reports, d.order[0])
		d.order = d.order[1:]
	}
}

func titleFor(s domain.RunStatus) string {
	switch s {
	case domain.RunSucceeded:
		return "✅ CI: succeeded"
	case domain.RunFailed:
		return "❌ CI: failed"
	default:
		return "ℹ️ CI: " + string(s)
	}
}
