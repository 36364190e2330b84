// Package gitlab_http publishes run results as GitLab commit statuses.
package gitlab_http

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-runner/internal/domain"
)

const statusContext = "ci-runner"

type Client struct {
	baseUrl   string
	token     string
	projectID int64
	hc        *http.Client
}

// New returns a publisher for projectID. With a zero projectID the event's
// repository path is used as the project identifier.
func New(baseUrl string, token string, projectID int64, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl:   trimSlash(baseUrl),
		token:     token,
		projectID: projectID,
		hc:        &http.Client{Transport: tr, Timeout: timeout},
	}
}

func (c *Client) Name() string { return "gitlab" }

// Publish posts the overall run state and one status per job.
func (c *Client) Publish(ctx context.Context, r domain.RunReport) error {
	if r.Event.SHA == "" {
		return backoff.Permanent(fmt.Errorf("gitlab: event has no commit sha"))
	}
	project := c.project(r.Event)
	if project == "" {
		return backoff.Permanent(fmt.Errorf("gitlab: no project id"))
	}

	name := statusContext
	if r.Pipeline != "" {
		name += "/" + r.Pipeline
	}
	if err := c.post(ctx, project, r.Event, name, runState(r.Status), r.Summary()); err != nil {
		return err
	}
	for _, j := range r.Jobs {
		if err := c.post(ctx, project, r.Event, name+"/"+j.Job, jobState(j.Status), j.Error); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) project(ev domain.Event) string {
	if c.projectID != 0 {
		return strconv.FormatInt(c.projectID, 10)
	}
	return url.PathEscape(ev.Repo)
}

func (c *Client) post(ctx context.Context, project string, ev domain.Event, name, state, description string) error {
	q := url.Values{}
	q.Set("state", state)
	q.Set("name", name)
	if ref := ev.Branch(); ref != "" {
		q.Set("ref", ref)
	}
	if description != "" {
		q.Set("description", truncate(description, 255))
	}

	statusURL := fmt.Sprintf("%s/api/v4/projects/%s/statuses/%s", c.baseUrl, project, url.PathEscape(ev.SHA))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, statusURL, strings.NewReader(q.Encode()))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, _ := strconv.Atoi(ra); sec > 0 {
				select {
				case <-time.After(time.Duration(sec) * time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
				return fmt.Errorf("retry after due to 429")
			}
		}

		return fmt.Errorf("gitlab 429")
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("gitlab %s", resp.Status)
	}

	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("gitlab %s", resp.Status))
	}
	return nil
}

func runState(s domain.RunStatus) string {
	switch s {
	case domain.RunSucceeded:
		return "success"
	case domain.RunFailed:
		return "failed"
	case domain.RunCancelled:
		return "canceled"
	default:
		return "running"
	}
}

func jobState(s domain.JobStatus) string {
	switch s {
	case domain.JobSucceeded:
		return "success"
	case domain.JobFailed:
		return "failed"
	case domain.JobSkipped:
		return "skipped"
	case domain.JobRunning:
		return "running"
	default:
		return "pending"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
