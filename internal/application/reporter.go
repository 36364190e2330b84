package application

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-runner/internal/domain"
	"go.uber.org/zap"
)

const DefaultPublishRetries = 3

// Reporter fans a finalized report out to the status publishers. Publishing
// never fails the run: after the retry budget is spent the error is logged
// and dropped.
type Reporter struct {
	log        *zap.Logger
	publishers []domain.Publisher
	retries    uint64
	newBackOff func() backoff.BackOff
}

func NewReporter(l *zap.Logger, retries int, pubs ...domain.Publisher) *Reporter {
	if retries < 0 {
		retries = DefaultPublishRetries
	}
	return &Reporter{
		log:        l,
		publishers: pubs,
		retries:    uint64(retries),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 300 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			bo.MaxElapsedTime = 30 * time.Second
			return bo
		},
	}
}

func (r *Reporter) Publish(ctx context.Context, report domain.RunReport) {
	for _, p := range r.publishers {
		op := func() error { return p.Publish(ctx, report) }
		bo := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.retries), ctx)

		err := backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
			r.log.Debug("publish retry",
				zap.String("publisher", p.Name()),
				zap.String("run", report.RunID),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		})
		if err != nil {
			publishMetric.WithLabelValues(p.Name(), "dropped").Inc()
			r.log.Warn("publish dropped",
				zap.String("publisher", p.Name()),
				zap.String("run", report.RunID),
				zap.Error(fmt.Errorf("%w: %w", domain.ErrPublish, err)),
			)
			continue
		}
		publishMetric.WithLabelValues(p.Name(), "ok").Inc()
	}
}
