package cli

import (
	"context"
	"time"

	"github.com/davarch/ci-runner/internal/application"
	"github.com/davarch/ci-runner/internal/domain"
	"github.com/davarch/ci-runner/internal/infrastructure/cache_fs"
	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/davarch/ci-runner/internal/infrastructure/github_status"
	"github.com/davarch/ci-runner/internal/infrastructure/gitlab_http"
	"github.com/davarch/ci-runner/internal/infrastructure/notify_libnotify"
	"github.com/davarch/ci-runner/internal/infrastructure/pipelinefile"
	"github.com/davarch/ci-runner/internal/infrastructure/runlogs"
	"github.com/davarch/ci-runner/internal/infrastructure/sandbox"
	"github.com/davarch/ci-runner/internal/infrastructure/statusfile"
	"github.com/davarch/ci-runner/internal/infrastructure/toolchain"
	"github.com/davarch/ci-runner/internal/infrastructure/webhook"
	"go.uber.org/zap"
)

// stack is the runner assembled from configuration.
type stack struct {
	log      *zap.Logger
	cfg      config.Config
	logs     *runlogs.Store
	sched    *application.Scheduler
	reporter *application.Reporter
	note     domain.Notifier
	status   domain.StatusCache
}

func newStack(ctx context.Context, log *zap.Logger, cfg config.Config, source string) (*stack, error) {
	if source == "" {
		source = cfg.Runner.Source
	}

	logs, err := runlogs.New(runlogs.Config{})
	if err != nil {
		return nil, err
	}

	installers := make(map[string]toolchain.Installer, len(cfg.Toolchain.Installers))
	for name, in := range cfg.Toolchain.Installers {
		installers[name] = toolchain.Installer(in)
	}

	s := &stack{
		log:  log,
		cfg:  cfg,
		logs: logs,
		sched: application.NewScheduler(log,
			toolchain.New(cfg.Toolchain.Path, installers, log),
			cache_fs.New(cfg.Cache.Path, cfg.Cache.Quota, log),
			sandbox.New(cfg.Runner.Workdir, source, log),
			application.WithSource(source),
			application.WithJobTimeout(cfg.Runner.JobTimeout),
			application.WithLogSink(logs),
		),
		reporter: application.NewReporter(log, cfg.Publish.Retries, publishers(ctx, log, cfg)...),
	}
	if cfg.Status.Path != "" {
		s.status = statusfile.New(cfg.Status.Path)
	}
	if cfg.Notify.Enabled {
		s.note = notify_libnotify.NewSoft(notify_libnotify.Options{Expire: 10 * time.Second})
	}
	return s, nil
}

func (s *stack) dispatcher(src application.PipelineSource, opts application.RunOptions) *application.Dispatcher {
	return application.NewDispatcher(s.log, s.sched, src, s.reporter, s.note, s.status, opts)
}

// publishers returns the status publishers that are both enabled and
// configured.
func publishers(ctx context.Context, log *zap.Logger, cfg config.Config) []domain.Publisher {
	var out []domain.Publisher

	gl := cfg.Publish.GitLab
	if gl.Enabled && gl.Token != "" {
		out = append(out, gitlab_http.New(gl.BaseURL, gl.Token, gl.ProjectID, gl.Timeout))
	}

	gh := cfg.Publish.GitHub
	if gh.Enabled && gh.Token != "" {
		p, err := github_status.New(ctx, gh.Token, gh.BaseURL)
		if err != nil {
			log.Warn("github publisher disabled", zap.Error(err))
		} else {
			out = append(out, p)
		}
	}

	wh := cfg.Publish.Webhook
	if wh.Enabled && wh.URL != "" {
		out = append(out, webhook.New(wh.URL))
	}
	return out
}

// fileSource reloads the pipeline file for every run.
func fileSource(path string) application.PipelineSource {
	return func(context.Context) (domain.PipelineDefinition, error) {
		return pipelinefile.Load(path)
	}
}
