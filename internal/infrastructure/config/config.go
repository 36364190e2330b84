package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sdassow/atomic"
	"gopkg.in/yaml.v3"
)

// Installer describes how to provision one toolchain. Templates may use
// {version}, {component}, {dest}, {os} and {arch}.
type Installer struct {
	Install   string `yaml:"install,omitempty"`
	Component string `yaml:"component,omitempty"`
	URL       string `yaml:"url,omitempty"`
	Binary    string `yaml:"binary,omitempty"`
}

type Config struct {
	Runner struct {
		Pipeline    string        `yaml:"pipeline"`
		Source      string        `yaml:"source"`
		Workdir     string        `yaml:"workdir"`
		Concurrency int           `yaml:"concurrency"`
		JobTimeout  time.Duration `yaml:"job_timeout"`
	} `yaml:"runner"`

	Cache struct {
		Path  string `yaml:"path"`
		Quota int64  `yaml:"quota"`
	} `yaml:"cache"`

	Toolchain struct {
		Path       string               `yaml:"path"`
		Installers map[string]Installer `yaml:"installers"`
	} `yaml:"toolchain"`

	Publish struct {
		Retries int `yaml:"retries"`
		GitLab  struct {
			Enabled   bool          `yaml:"enabled"`
			BaseURL   string        `yaml:"base_url"`
			Token     string        `yaml:"token"`
			ProjectID int64         `yaml:"project_id"`
			Timeout   time.Duration `yaml:"timeout"`
		} `yaml:"gitlab"`
		GitHub struct {
			Enabled bool   `yaml:"enabled"`
			BaseURL string `yaml:"base_url"`
			Token   string `yaml:"token"`
		} `yaml:"github"`
		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"webhook"`
	} `yaml:"publish"`

	Status struct {
		Path string `yaml:"path"`
	} `yaml:"status"`

	Notify struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"notify"`

	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
}

const (
	DefaultConcurrency = 0
	DefaultJobTimeout  = time.Hour
	DefaultCacheQuota  = 2 << 30
	DefaultRetries     = 3
	DefaultListen      = ":8080"
)

func Default() Config {
	var c Config
	c.Runner.Source = "."
	c.Runner.Workdir = os.TempDir()
	c.Runner.JobTimeout = DefaultJobTimeout
	c.Cache.Path = expandHome("~/.cache/ci-runner/cache")
	c.Cache.Quota = DefaultCacheQuota
	c.Toolchain.Path = expandHome("~/.cache/ci-runner/toolchains")
	c.Publish.Retries = DefaultRetries
	c.Publish.GitLab.Enabled = true
	c.Publish.GitLab.BaseURL = "https://gitlab.com"
	c.Publish.GitLab.Timeout = 10 * time.Second
	c.Publish.GitHub.Enabled = true
	c.Publish.Webhook.Enabled = true
	c.Status.Path = expandHome("~/.cache/ci-runner/status.json")
	c.Server.Listen = DefaultListen
	return c
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
	}

	if v := os.Getenv("CI_RUNNER_PIPELINE"); v != "" {
		c.Runner.Pipeline = v
	}

	if v := os.Getenv("CI_RUNNER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.Concurrency = n
		}
	}

	if v := os.Getenv("CI_RUNNER_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runner.JobTimeout = d
		}
	}

	if v := os.Getenv("CI_RUNNER_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}

	if v := os.Getenv("CI_RUNNER_CACHE_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.Quota = n
		}
	}

	if v := os.Getenv("GITLAB_BASE_URL"); v != "" {
		c.Publish.GitLab.BaseURL = v
	}

	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		c.Publish.GitLab.Token = v
	}

	if v := os.Getenv("GITLAB_PROJECT_ID"); v != "" {
		if pid, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Publish.GitLab.ProjectID = pid
		}
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Publish.GitHub.Token = v
	}

	if v := os.Getenv("CI_RUNNER_WEBHOOK_URL"); v != "" {
		c.Publish.Webhook.URL = v
	}

	if v := os.Getenv("CI_RUNNER_LISTEN"); v != "" {
		c.Server.Listen = v
	}

	c.Cache.Path = expandHome(c.Cache.Path)
	c.Toolchain.Path = expandHome(c.Toolchain.Path)
	c.Status.Path = expandHome(c.Status.Path)

	if c.Runner.JobTimeout <= 0 {
		c.Runner.JobTimeout = DefaultJobTimeout
	}

	if c.Runner.Concurrency < 0 {
		c.Runner.Concurrency = DefaultConcurrency
	}

	if c.Cache.Quota <= 0 {
		c.Cache.Quota = DefaultCacheQuota
	}

	if c.Publish.Retries < 0 {
		c.Publish.Retries = DefaultRetries
	}

	if c.Publish.GitLab.Timeout <= 0 {
		c.Publish.GitLab.Timeout = 10 * time.Second
	}

	if c.Runner.Source == "" {
		c.Runner.Source = "."
	}

	return c, nil
}

// Save writes the config atomically while holding an exclusive lock on a
// sibling lock file.
func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	return atomic.WriteFile(path, bytes.NewReader(b), atomic.DefaultFileMode(0o644))
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}

// Integrations names the switchable outputs of a run.
var Integrations = []string{"gitlab", "github", "webhook", "notify"}

// SetEnabled switches an integration on or off. It reports whether the value
// changed.
func (c *Config) SetEnabled(name string, on bool) (bool, error) {
	var p *bool
	switch name {
	case "gitlab":
		p = &c.Publish.GitLab.Enabled
	case "github":
		p = &c.Publish.GitHub.Enabled
	case "webhook":
		p = &c.Publish.Webhook.Enabled
	case "notify":
		p = &c.Notify.Enabled
	default:
		return false, fmt.Errorf("unknown integration %q (want one of %s)", name, strings.Join(Integrations, ", "))
	}
	if *p == on {
		return false, nil
	}
	*p = on
	return true, nil
}
