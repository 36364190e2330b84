// Package sandbox runs job steps in a private working directory with a
// minimal environment.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/fatih/color"
	"go.uber.org/zap"
)

// killGrace bounds how long Wait blocks on inherited pipes after the process
// group has been killed.
const killGrace = 5 * time.Second

// scratchDir is the per-workspace TMPDIR, relative to the workspace.
const scratchDir = ".tmp"

type Sandbox struct {
	root   string
	source string
	shell  string
	log    *zap.Logger
}

// New returns a sandbox creating workspaces under root. Checkout steps copy
// the tree at source.
func New(root, source string, l *zap.Logger) *Sandbox {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	if abs, err := filepath.Abs(source); err == nil && source != "" {
		source = abs
	}
	return &Sandbox{root: root, source: source, shell: "/bin/sh", log: l}
}

func (s *Sandbox) Open(run *domain.JobRun, job domain.JobDefinition, ev domain.Event, out io.Writer) (domain.Workspace, error) {
	if out == nil {
		out = io.Discard
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(s.root, job.Name+"-")
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(filepath.Join(dir, scratchDir), 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &workspace{
		dir:    dir,
		source: s.source,
		shell:  s.shell,
		out:    out,
		base:   baseEnv(dir, run, job, ev),
		log:    s.log.With(zap.String("job", job.Name), zap.String("workdir", dir)),
	}, nil
}

func baseEnv(dir string, run *domain.JobRun, job domain.JobDefinition, ev domain.Event) map[string]string {
	env := map[string]string{
		"HOME":     dir,
		"TMPDIR":   filepath.Join(dir, scratchDir),
		"LANG":     "C.UTF-8",
		"CI":       "true",
		"CI_JOB":   job.Name,
		"CI_RUN":   run.ID,
		"CI_EVENT": string(ev.Kind),
		"CI_REF":   ev.Ref,
		"CI_SHA":   ev.SHA,
		"CI_REPO":  ev.Repo,
	}
	for k, v := range job.Env {
		env[k] = v
	}
	return env
}

type workspace struct {
	dir    string
	source string
	shell  string
	out    io.Writer
	base   map[string]string
	log    *zap.Logger
}

func (w *workspace) Dir() string { return w.dir }

func (w *workspace) Cleanup() error { return os.RemoveAll(w.dir) }

// Execute runs steps in order and stops at the first failure. The returned
// output is everything the steps wrote.
func (w *workspace) Execute(ctx context.Context, steps []domain.Step, tc domain.ToolchainHandle) (domain.ExecResult, error) {
	var captured bytes.Buffer
	out := io.MultiWriter(w.out, &captured)
	env := w.environ(tc)

	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			return domain.ExecResult{ExitStatus: -1, Output: captured.String()}, err
		}
		header(out, i+1, st)

		var (
			code int
			err  error
		)
		switch st.Kind {
		case domain.StepCheckout:
			err = w.checkout(st)
		case domain.StepInstallToolchain:
			fmt.Fprintf(out, "toolchain %s %s at %s\n", tc.Name, tc.Version, tc.BinDir)
		case domain.StepInstallComponent:
			fmt.Fprintf(out, "component %s installed\n", st.Param("component", ""))
		case domain.StepRunCommand:
			code, err = w.run(ctx, out, env, st.Param("run", ""))
		default:
			err = fmt.Errorf("unknown step kind %q", st.Kind)
		}
		if err != nil {
			if ctx.Err() == nil {
				failure(out, err)
			}
			if code == 0 {
				code = -1
			}
			w.log.Debug("step failed", zap.String("step", stepName(st)), zap.Int("exit", code), zap.Error(err))
			return domain.ExecResult{ExitStatus: code, Output: captured.String()},
				fmt.Errorf("%w: %s: %w", domain.ErrStepExecution, stepName(st), err)
		}
	}
	return domain.ExecResult{Output: captured.String()}, nil
}

func (w *workspace) environ(tc domain.ToolchainHandle) []string {
	env := make(map[string]string, len(w.base)+3)
	for k, v := range w.base {
		env[k] = v
	}
	path := os.Getenv("PATH")
	if tc.BinDir != "" {
		path = tc.BinDir + string(os.PathListSeparator) + path
		env["CI_TOOLCHAIN"] = tc.Name
		env["CI_TOOLCHAIN_VERSION"] = tc.Version
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = path
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (w *workspace) run(ctx context.Context, out io.Writer, env []string, script string) (int, error) {
	if strings.TrimSpace(script) == "" {
		return 0, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, w.shell, "-c", script)
	cmd.Dir = w.dir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	configureProcess(cmd)
	cmd.Cancel = func() error {
		terminateProcess(cmd)
		return nil
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), fmt.Errorf("exit status %d", exit.ExitCode())
	}
	return 0, err
}

func stepName(st domain.Step) string {
	if st.Name != "" {
		return st.Name
	}
	if st.Kind == domain.StepRunCommand {
		return st.Param("run", string(st.Kind))
	}
	return string(st.Kind)
}

func header(w io.Writer, n int, st domain.Step) {
	c := color.New(color.FgCyan, color.Bold)
	c.EnableColor()
	_, _ = c.Fprintf(w, "==> [%d] %s\n", n, stepName(st))
}

func failure(w io.Writer, err error) {
	red := color.New(color.FgHiRed)
	red.EnableColor()
	_, _ = red.Fprint(w, "Error: ")
	fmt.Fprintln(w, err.Error())
}
