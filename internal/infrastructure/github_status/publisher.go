// Package github_status publishes run results as GitHub commit statuses.
package github_status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-runner/internal/domain"
	"github.com/google/go-github/v65/github"
	"golang.org/x/oauth2"
)

const statusContext = "ci-runner"

type Publisher struct {
	client *github.Client
}

// New returns a publisher authenticated with a personal access token. An
// empty baseURL targets github.com; anything else is treated as a GitHub
// Enterprise host.
func New(ctx context.Context, token, baseURL string) (*Publisher, error) {
	if token == "" {
		return nil, fmt.Errorf("no credentials provided")
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, src))
	if baseURL != "" {
		var err error
		if client, err = client.WithEnterpriseURLs(baseURL, baseURL); err != nil {
			return nil, err
		}
	}
	return &Publisher{client: client}, nil
}

func (p *Publisher) Name() string { return "github" }

// Publish sets the combined run status and one status per job on the
// event's commit. The event's Repo must be "owner/name".
func (p *Publisher) Publish(ctx context.Context, r domain.RunReport) error {
	owner, name, found := strings.Cut(r.Event.Repo, "/")
	if !found {
		return backoff.Permanent(fmt.Errorf("malformed repository: %q", r.Event.Repo))
	}
	if r.Event.SHA == "" {
		return backoff.Permanent(errors.New("event has no commit sha"))
	}

	base := statusContext
	if r.Pipeline != "" {
		base += "/" + r.Pipeline
	}
	if err := p.set(ctx, owner, name, r.Event.SHA, base, runState(r.Status), r.Summary()); err != nil {
		return err
	}
	for _, j := range r.Jobs {
		state := jobState(j.Status)
		if state == "" {
			continue
		}
		desc := string(j.Status)
		if j.Error != "" {
			desc = j.Error
		}
		if err := p.set(ctx, owner, name, r.Event.SHA, base+"/"+j.Job, state, desc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) set(ctx context.Context, owner, name, sha, statusCtx, state, desc string) error {
	if len(desc) > 140 {
		desc = desc[:140]
	}
	_, _, err := p.client.Repositories.CreateStatus(ctx, owner, name, sha, &github.RepoStatus{
		Context:     github.String(statusCtx),
		Description: github.String(desc),
		State:       github.String(state),
	})
	var gerr *github.ErrorResponse
	if errors.As(err, &gerr) && gerr.Response != nil {
		code := gerr.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
	}
	return err
}

func runState(s domain.RunStatus) string {
	switch s {
	case domain.RunSucceeded:
		return "success"
	case domain.RunFailed:
		return "failure"
	case domain.RunCancelled:
		return "error"
	default:
		return "pending"
	}
}

// jobState maps a job status to a GitHub state. Skipped jobs have no GitHub
// equivalent and are not reported.
func jobState(s domain.JobStatus) string {
	switch s {
	case domain.JobSucceeded:
		return "success"
	case domain.JobFailed:
		return "failure"
	case domain.JobSkipped:
		return ""
	default:
		return "pending"
	}
}
