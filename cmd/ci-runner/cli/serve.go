package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/davarch/ci-runner/internal/application"
	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/davarch/ci-runner/internal/infrastructure/logging"
	"github.com/davarch/ci-runner/internal/infrastructure/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve [pipeline-file]",
	Short: "Accept push and pull request events over HTTP",
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
		if serveListen != "" {
			cfg.Server.Listen = serveListen
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		st, err := newStack(ctx, log, cfg, "")
		if err != nil {
			return err
		}
		disp := st.dispatcher(fileSource(path), application.RunOptions{Concurrency: cfg.Runner.Concurrency})

		log.Info("start",
			zap.String("version", version),
			zap.String("pipeline", path),
			zap.String("listen", cfg.Server.Listen),
			zap.String("cache", cfg.Cache.Path),
			zap.String("source", cfg.Runner.Source),
		)
		err = server.New(log, disp, st.logs).ListenAndServe(ctx, cfg.Server.Listen)
		disp.Shutdown()
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default server.listen)")
	rootCmd.AddCommand(serveCmd)
}
