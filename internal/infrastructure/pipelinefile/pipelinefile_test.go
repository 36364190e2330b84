package pipelinefile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rustCI = `
name: ci
jobs:
  test:
    on: [push, pull_request]
    toolchain: {name: rust, version: stable}
    cache:
      - name: cargo
        paths: [target, ~/.cargo/registry]
        hash_files: ["**Cargo.lock"]
    steps:
      - checkout: {}
      - install_toolchain: {toolchain: rust, version: stable}
      - run: cargo test --all
  fmt:
    on: [push, pull_request]
    steps:
      - checkout: {}
      - install_component: {component: rustfmt}
      - run: cargo fmt --all -- --check
  clippy:
    on: push
    branches: [main, "release/*"]
    timeout: 15m
    steps:
      - checkout: {}
      - install_component: {component: clippy}
      - name: lint
        run: cargo clippy -- -D warnings
  coverage:
    on: [push]
    needs: test
    env:
      RUSTFLAGS: -Cinstrument-coverage
    steps:
      - checkout: {}
      - run: cargo tarpaulin
`

func TestParse_KeepsJobOrderAndFields(t *testing.T) {
	p, err := Parse([]byte(rustCI))
	require.NoError(t, err)

	assert.Equal(t, "ci", p.Name)
	require.Len(t, p.Jobs, 4)
	names := []string{p.Jobs[0].Name, p.Jobs[1].Name, p.Jobs[2].Name, p.Jobs[3].Name}
	assert.Equal(t, []string{"test", "fmt", "clippy", "coverage"}, names)

	test := p.Jobs[0]
	assert.Equal(t, []domain.EventKind{domain.EventPush, domain.EventPullRequest}, test.Triggers.Events)
	assert.Equal(t, "rust", test.Toolchain.Name)
	require.Len(t, test.Caches, 1)
	assert.Equal(t, []string{"**Cargo.lock"}, test.Caches[0].HashFiles)
	require.Len(t, test.Steps, 3)
	assert.Equal(t, domain.StepCheckout, test.Steps[0].Kind)
	assert.Equal(t, domain.StepInstallToolchain, test.Steps[1].Kind)
	assert.Equal(t, "cargo test --all", test.Steps[2].Param("run", ""))

	clippy := p.Jobs[2]
	assert.Equal(t, []domain.EventKind{domain.EventPush}, clippy.Triggers.Events)
	assert.Equal(t, []string{"main", "release/*"}, clippy.Triggers.Branches)
	assert.Equal(t, 15*time.Minute, clippy.Timeout)
	assert.Equal(t, "lint", clippy.Steps[2].Name)

	coverage := p.Jobs[3]
	assert.Equal(t, []string{"test"}, coverage.Needs)
	assert.Equal(t, "-Cinstrument-coverage", coverage.Env["RUSTFLAGS"])
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"no jobs":       "name: x\n",
		"unknown event": "jobs:\n  a:\n    on: [tag]\n    steps:\n      - run: x\n",
		"no steps":      "jobs:\n  a:\n    on: [push]\n",
		"two kinds":     "jobs:\n  a:\n    steps:\n      - run: x\n        checkout: {}\n",
		"empty step":    "jobs:\n  a:\n    steps:\n      - name: nothing\n",
		"cache no path": "jobs:\n  a:\n    cache:\n      - name: c\n    steps:\n      - run: x\n",
		"bad yaml":      "jobs: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, domain.ErrInvalidPipeline)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rustCI), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Jobs, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
