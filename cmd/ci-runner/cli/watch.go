package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/davarch/ci-runner/internal/application"
	"github.com/davarch/ci-runner/internal/domain"
	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/davarch/ci-runner/internal/infrastructure/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const debounce = 300 * time.Millisecond

var (
	watchEvent  eventFlags
	watchSource string
)

var watchCmd = &cobra.Command{
	Use:   "watch [pipeline-file]",
	Short: "Re-run the pipeline whenever the pipeline file changes",
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

		st, err := newStack(ctx, log, cfg, watchSource)
		if err != nil {
			return err
		}
		opts := application.RunOptions{
			Concurrency: cfg.Runner.Concurrency,
			Output:      newLiveOutput(os.Stdout).For,
		}
		r := &rerunner{log: log, disp: st.dispatcher(fileSource(path), opts), ev: watchEvent.event()}

		log.Info("watching", zap.String("pipeline", path), zap.String("event", watchEvent.kind), zap.String("ref", watchEvent.ref))
		r.trigger(ctx)
		if err := watchFile(ctx, path, log, func() { r.trigger(ctx) }); err != nil {
			return err
		}
		<-ctx.Done()
		r.wait()
		return nil
	},
}

// rerunner starts a run per trigger; a new trigger cancels the run before it.
type rerunner struct {
	log  *zap.Logger
	disp *application.Dispatcher
	ev   domain.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (r *rerunner) trigger(parent context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		report, err := r.disp.OnEvent(ctx, r.ev)
		switch {
		case errors.Is(err, domain.ErrNotAdmitted):
			r.log.Info("event not admitted", zap.Error(err))
		case err != nil:
			r.log.Warn("run", zap.Error(err))
		case ctx.Err() == nil:
			printSummary(os.Stdout, report)
		}
	}()
}

func (r *rerunner) wait() { r.wg.Wait() }

// watchFile calls fire once per burst of changes to path. Editors that
// replace files on save are handled by watching the parent directory.
func watchFile(ctx context.Context, path string, log *zap.Logger, fire func()) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify init: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("fsnotify add %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(debounce, fire)
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
	return nil
}

func init() {
	watchEvent.register(watchCmd)
	watchCmd.Flags().StringVar(&watchSource, "source", "", "source tree to check out (default runner.source)")
	rootCmd.AddCommand(watchCmd)
}
