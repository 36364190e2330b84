// Package toolchain installs pinned toolchains and their components under a
// shared directory and hands jobs a bin dir to put on PATH.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/iancoleman/strcase"
	"github.com/sdassow/atomic"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"
)

const DefaultVersion = "stable"

// EnvPrefix plus the job name in SCREAMING_SNAKE_CASE pins a job's
// toolchain version, e.g. CI_TOOLCHAIN_UNIT_TESTS=1.79.0.
const EnvPrefix = "CI_TOOLCHAIN_"

var channels = []string{"stable", "beta", "nightly"}

// Installer describes how to provision one toolchain. Templates may use
// {version}, {component}, {dest}, {os} and {arch}.
type Installer struct {
	Install   string
	Component string
	URL       string
	Binary    string
}

type Provisioner struct {
	root       string
	installers map[string]Installer
	log        *zap.Logger
	http       *retryablehttp.Client
	getenv     func(string) string

	group singleflight.Group
}

func New(root string, installers map[string]Installer, l *zap.Logger) *Provisioner {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	hc.Logger = nil
	hc.RequestLogHook = func(_ retryablehttp.Logger, r *http.Request, n int) {
		if n > 0 {
			l.Warn("retrying toolchain download", zap.String("url", r.URL.String()), zap.Int("attempt", n))
		}
	}

	return &Provisioner{
		root:       root,
		installers: installers,
		log:        l,
		http:       hc,
		getenv:     os.Getenv,
	}
}

// Prepare makes the job's toolchain and components available. A job that
// names no toolchain runs against the host PATH and gets the zero handle.
func (p *Provisioner) Prepare(ctx context.Context, job domain.JobDefinition) (domain.ToolchainHandle, error) {
	name, version := p.resolve(job)
	components := wantedComponents(job)

	if name == "" {
		if len(components) > 0 {
			return domain.ToolchainHandle{}, fmt.Errorf("%w: component %s requested without a toolchain", domain.ErrProvisioning, components[0])
		}
		return domain.ToolchainHandle{}, nil
	}
	if !validVersion(version) {
		return domain.ToolchainHandle{}, fmt.Errorf("%w: %s: invalid version %q", domain.ErrProvisioning, name, version)
	}
	in, ok := p.installers[name]
	if !ok {
		return domain.ToolchainHandle{}, fmt.Errorf("%w: no installer for toolchain %q", domain.ErrProvisioning, name)
	}

	dest := p.dest(name, version)
	key := name + "@" + version
	if _, err, _ := p.group.Do(key, func() (any, error) {
		return nil, p.ensure(ctx, dest, ".installed", func() error {
			return p.installToolchain(ctx, in, name, version, dest)
		})
	}); err != nil {
		return domain.ToolchainHandle{}, fmt.Errorf("%w: %s %s: %w", domain.ErrProvisioning, name, version, err)
	}

	for _, c := range components {
		if _, err, _ := p.group.Do(key+"+"+c, func() (any, error) {
			return nil, p.ensure(ctx, dest, ".component-"+c, func() error {
				return p.installComponent(ctx, in, name, version, c, dest)
			})
		}); err != nil {
			return domain.ToolchainHandle{}, fmt.Errorf("%w: %s %s component %s: %w", domain.ErrProvisioning, name, version, c, err)
		}
	}

	p.log.Debug("toolchain ready",
		zap.String("job", job.Name),
		zap.String("toolchain", name),
		zap.String("version", version),
		zap.Strings("components", components),
	)
	return domain.ToolchainHandle{
		Name:       name,
		Version:    version,
		BinDir:     filepath.Join(dest, "bin"),
		Components: components,
	}, nil
}

// resolve picks the toolchain name and version. The environment pin wins,
// then an install_toolchain step, then the job's toolchain spec.
func (p *Provisioner) resolve(job domain.JobDefinition) (string, string) {
	name, version := job.Toolchain.Name, job.Toolchain.Version
	for _, st := range job.Steps {
		if st.Kind != domain.StepInstallToolchain {
			continue
		}
		name = st.Param("toolchain", name)
		version = st.Param("version", version)
	}
	if v := p.getenv(EnvPrefix + strcase.ToScreamingSnake(job.Name)); v != "" {
		version = v
	}
	if version == "" {
		version = DefaultVersion
	}
	return name, version
}

func wantedComponents(job domain.JobDefinition) []string {
	out := slices.Clone(job.Toolchain.Components)
	for _, st := range job.Steps {
		if st.Kind == domain.StepInstallComponent {
			out = append(out, st.Param("component", ""))
		}
	}
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	sort.Strings(out)
	return slices.Compact(out)
}

// validVersion accepts a release channel or a semantic version with or
// without the leading v.
func validVersion(v string) bool {
	if slices.Contains(channels, v) {
		return true
	}
	return semver.IsValid("v" + strings.TrimPrefix(v, "v"))
}

func (p *Provisioner) dest(name, version string) string {
	return filepath.Join(p.root, name, version)
}

// ensure runs install unless marker already exists in dest. An exclusive file
// lock serialises installers in other processes sharing the root.
func (p *Provisioner) ensure(ctx context.Context, dest, marker string, install func() error) error {
	path := filepath.Join(dest, marker)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(dest, "bin"), 0o755); err != nil {
		return err
	}

	lk := flock.New(dest + ".lock")
	if _, err := lk.TryLockContext(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	defer func() { _ = lk.Unlock() }()

	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := install(); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	return atomic.WriteFile(path, strings.NewReader(stamp))
}

func (p *Provisioner) installToolchain(ctx context.Context, in Installer, name, version, dest string) error {
	expand := templater(version, "", dest)
	switch {
	case in.URL != "":
		binary := in.Binary
		if binary == "" {
			binary = name
		}
		return p.download(ctx, expand(in.URL), dest, expand(binary))
	case in.Install != "":
		return p.shell(ctx, expand(in.Install), dest)
	}
	return fmt.Errorf("installer for %s has neither url nor install command", name)
}

func (p *Provisioner) installComponent(ctx context.Context, in Installer, name, version, component, dest string) error {
	if in.Component == "" {
		return fmt.Errorf("toolchain %s does not support components", name)
	}
	return p.shell(ctx, templater(version, component, dest)(in.Component), dest)
}

func (p *Provisioner) shell(ctx context.Context, script, dest string) error {
	p.log.Info("provisioning", zap.String("command", script))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Dir = dest
	cmd.Env = append(os.Environ(), "DEST="+dest)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

func templater(version, component, dest string) func(string) string {
	r := strings.NewReplacer(
		"{version}", version,
		"{component}", component,
		"{dest}", dest,
		"{os}", runtime.GOOS,
		"{arch}", runtime.GOARCH,
	)
	return r.Replace
}
