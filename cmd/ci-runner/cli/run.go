package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davarch/ci-runner/internal/application"
	"github.com/davarch/ci-runner/internal/domain"
	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/davarch/ci-runner/internal/infrastructure/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// eventFlags describe the event a local invocation simulates.
type eventFlags struct {
	kind   string
	ref    string
	sha    string
	repo   string
	origin string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "event", string(domain.EventPush), "event kind: push or pull_request")
	cmd.Flags().StringVar(&f.ref, "ref", "refs/heads/main", "git ref the event is for")
	cmd.Flags().StringVar(&f.sha, "sha", os.Getenv("CI_SHA"), "commit sha, needed for status publishing")
	cmd.Flags().StringVar(&f.repo, "repo", os.Getenv("CI_REPO"), "repository as owner/name")
	cmd.Flags().StringVar(&f.origin, "origin", "local", "identity of the event source")
}

func (f *eventFlags) event() domain.Event {
	return domain.Event{
		Kind:           domain.EventKind(f.kind),
		Ref:            f.ref,
		SHA:            f.sha,
		Repo:           f.repo,
		SourceIdentity: f.origin,
	}
}

var (
	runEvent       eventFlags
	runJobs        []string
	runSource      string
	runFailFast    bool
	runConcurrency int
	runJSON        bool
	runQuiet       bool
)

var runCmd = &cobra.Command{
	Use:   "run [pipeline-file]",
	Short: "Run a pipeline once for a simulated event",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		path, err := pipelinePath(cfg, args)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		st, err := newStack(ctx, log, cfg, runSource)
		if err != nil {
			return err
		}

		opts := application.RunOptions{
			Only:        runJobs,
			FailFast:    runFailFast,
			Concurrency: runConcurrency,
		}
		if opts.Concurrency == 0 {
			opts.Concurrency = cfg.Runner.Concurrency
		}
		if !runQuiet && !runJSON {
			opts.Output = newLiveOutput(os.Stdout).For
		}

		report, err := st.dispatcher(fileSource(path), opts).OnEvent(ctx, runEvent.event())
		if errors.Is(err, domain.ErrNotAdmitted) {
			log.Info("event not admitted", zap.Error(err))
			fmt.Println("no job is triggered by this event")
			return nil
		}
		if err != nil {
			return err
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printSummary(os.Stdout, report)
		}

		if report.Status != domain.RunSucceeded {
			return errRunFailed
		}
		return nil
	},
}

func pipelinePath(cfg config.Config, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.Runner.Pipeline != "" {
		return cfg.Runner.Pipeline, nil
	}
	return "", errors.New("no pipeline file given and runner.pipeline is not set")
}

func init() {
	runEvent.register(runCmd)
	runCmd.Flags().StringArrayVar(&runJobs, "job", nil, "run only this job, ignoring triggers and dependencies (repeatable)")
	runCmd.Flags().StringVar(&runSource, "source", "", "source tree to check out (default runner.source)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "skip pending jobs after the first failure")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "max jobs running at once (0 = runner.concurrency, unlimited if unset)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run report as JSON")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "do not stream job output")

	rootCmd.AddCommand(runCmd)
}
