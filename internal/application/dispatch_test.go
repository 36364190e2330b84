package application

import (
	"context"
	"testing"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func staticSource(p domain.PipelineDefinition) PipelineSource {
	return func(context.Context) (domain.PipelineDefinition, error) { return p, nil }
}

func TestDispatcher_OnEventPublishesAndNotifies(t *testing.T) {
	pub := &domain.MockPublisher{}
	note := &domain.MockNotifier{}
	status := &domain.MockStatusCache{}
	d := NewDispatcher(zap.NewNop(), newTestScheduler(&domain.MockSandbox{}), staticSource(fourJobPipeline()),
		newTestReporter(1, pub), note, status, RunOptions{})

	report, err := d.OnEvent(context.Background(), push)
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, report.Status)
	assert.Len(t, pub.Reports, 1)
	assert.Len(t, note.Messages, 1)
	assert.Contains(t, note.Messages[0], "succeeded")
	assert.Len(t, status.Reports, 1)

	got, ok := d.Report(report.RunID)
	require.True(t, ok)
	assert.Equal(t, report.Status, got.Status)
}

func TestDispatcher_RejectsEvents(t *testing.T) {
	p := fourJobPipeline()
	for i := range p.Jobs {
		p.Jobs[i].Triggers.Events = []domain.EventKind{domain.EventPush}
	}
	d := NewDispatcher(zap.NewNop(), newTestScheduler(&domain.MockSandbox{}), staticSource(p), nil, nil, nil, RunOptions{})

	_, err := d.OnEvent(context.Background(), domain.Event{Ref: "main"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = d.OnEvent(context.Background(), domain.Event{Kind: domain.EventPullRequest, Ref: "main"})
	assert.ErrorIs(t, err, domain.ErrNotAdmitted)
}

func TestDispatcher_RejectsInvalidGraphBeforeRegistering(t *testing.T) {
	p := domain.PipelineDefinition{Jobs: []domain.JobDefinition{
		{Name: "a", Needs: []string{"b"}},
		{Name: "b", Needs: []string{"a"}},
	}}
	sb := &domain.MockSandbox{}
	d := NewDispatcher(zap.NewNop(), newTestScheduler(sb), staticSource(p), nil, nil, nil, RunOptions{})

	id, err := d.Submit(context.Background(), push)
	assert.ErrorIs(t, err, domain.ErrInvalidPipeline)
	assert.Empty(t, id)
	d.Wait()
	assert.Empty(t, d.reports)

	_, err = d.OnEvent(context.Background(), push)
	assert.ErrorIs(t, err, domain.ErrInvalidPipeline)
	assert.Empty(t, sb.Executed)
}

func TestDispatcher_SupersedesRunOnSameRef(t *testing.T) {
	started := make(chan struct{}, 2)
	sb := &domain.MockSandbox{Script: map[string]func(context.Context) (domain.ExecResult, error){
		"build": func(ctx context.Context) (domain.ExecResult, error) {
			started <- struct{}{}
			select {
			case <-ctx.Done():
				return domain.ExecResult{}, ctx.Err()
			case <-time.After(200 * time.Millisecond):
				return domain.ExecResult{}, nil
			}
		},
	}}
	p := domain.PipelineDefinition{Jobs: []domain.JobDefinition{{Name: "build"}}}
	d := NewDispatcher(zap.NewNop(), newTestScheduler(sb), staticSource(p), nil, nil, nil, RunOptions{})

	first, err := d.Submit(context.Background(), push)
	require.NoError(t, err)
	<-started

	second, err := d.Submit(context.Background(), push)
	require.NoError(t, err)
	d.Wait()

	r1, ok := d.Report(first)
	require.True(t, ok)
	r2, ok := d.Report(second)
	require.True(t, ok)

	assert.Equal(t, domain.JobSkipped, r1.Jobs[0].Status)
	assert.Equal(t, domain.RunCancelled, r1.Status)
	assert.Equal(t, domain.JobSucceeded, r2.Jobs[0].Status)
	assert.Equal(t, domain.RunSucceeded, r2.Status)
}

func TestDispatcher_ShutdownCancelsInflight(t *testing.T) {
	started := make(chan struct{}, 1)
	sb := &domain.MockSandbox{Script: map[string]func(context.Context) (domain.ExecResult, error){
		"build": func(ctx context.Context) (domain.ExecResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			return domain.ExecResult{}, ctx.Err()
		},
	}}
	p := domain.PipelineDefinition{Jobs: []domain.JobDefinition{{Name: "build"}}}
	d := NewDispatcher(zap.NewNop(), newTestScheduler(sb), staticSource(p), nil, nil, nil, RunOptions{})

	id, err := d.Submit(context.Background(), push)
	require.NoError(t, err)
	<-started

	done := make(chan struct{})
	go func() {
		d.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}

	r, ok := d.Report(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobSkipped, r.Jobs[0].Status)
	assert.Equal(t, domain.RunCancelled, r.Status)
}
