// Package webhook posts finished run reports as JSON to an HTTP endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-runner/internal/domain"
	"github.com/hashicorp/go-retryablehttp"
)

const EventHeader = "X-CI-Runner-Event"

type Publisher struct {
	url  string
	http *retryablehttp.Client
}

// New returns a publisher for url. Transport errors and 5xx responses are
// retried a few times by the client itself before the reporter's own
// backoff takes over.
func New(url string) *Publisher {
	hc := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		Backoff:      retryablehttp.DefaultBackoff,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RetryMax:     2,
	}
	return &Publisher{url: url, http: hc}
}

func (p *Publisher) Name() string { return "webhook" }

func (p *Publisher) Publish(ctx context.Context, r domain.RunReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.url, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, "run."+string(r.Status))

	res, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, res.Body)

	switch {
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s", res.Status)
	case res.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("webhook %s", res.Status))
	}
	return nil
}
