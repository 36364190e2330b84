// Package pipelinefile reads declarative pipeline descriptions.
package pipelinefile

import (
	"os"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type fileDTO struct {
	Name        string    `yaml:"name"`
	FailFast    bool      `yaml:"fail_fast"`
	Concurrency int       `yaml:"concurrency"`
	Jobs        yaml.Node `yaml:"jobs"`
}

type jobDTO struct {
	On        stringList        `yaml:"on"`
	Branches  stringList        `yaml:"branches"`
	Toolchain *toolchainDTO     `yaml:"toolchain"`
	Needs     stringList        `yaml:"needs"`
	Timeout   time.Duration     `yaml:"timeout"`
	Env       map[string]string `yaml:"env"`
	Cache     []cacheDTO        `yaml:"cache"`
	Steps     []stepDTO         `yaml:"steps"`
}

type toolchainDTO struct {
	Name       string     `yaml:"name"`
	Version    string     `yaml:"version"`
	Components stringList `yaml:"components"`
}

type cacheDTO struct {
	Name      string     `yaml:"name"`
	Paths     stringList `yaml:"paths"`
	HashFiles stringList `yaml:"hash_files"`
}

type stepDTO struct {
	Name             string            `yaml:"name"`
	Run              string            `yaml:"run"`
	Checkout         map[string]string `yaml:"checkout"`
	InstallToolchain map[string]string `yaml:"install_toolchain"`
	InstallComponent map[string]string `yaml:"install_component"`
}

// stringList accepts either a scalar or a sequence.
type stringList []string

func (s *stringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = []string{n.Value}
		return nil
	}
	var out []string
	if err := n.Decode(&out); err != nil {
		return err
	}
	*s = out
	return nil
}

func Load(path string) (domain.PipelineDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.PipelineDefinition{}, errors.Wrap(err, "reading pipeline")
	}
	p, err := Parse(b)
	if err != nil {
		return domain.PipelineDefinition{}, errors.Wrap(err, path)
	}
	return p, nil
}

// Parse decodes a pipeline description. Jobs keep their declaration order.
func Parse(b []byte) (domain.PipelineDefinition, error) {
	var f fileDTO
	if err := yaml.Unmarshal(b, &f); err != nil {
		return domain.PipelineDefinition{}, errors.Wrapf(domain.ErrInvalidPipeline, "yaml: %v", err)
	}
	if f.Jobs.Kind != yaml.MappingNode || len(f.Jobs.Content) == 0 {
		return domain.PipelineDefinition{}, errors.Wrap(domain.ErrInvalidPipeline, "jobs: expected a non-empty mapping")
	}

	p := domain.PipelineDefinition{
		Name:        f.Name,
		FailFast:    f.FailFast,
		Concurrency: f.Concurrency,
	}
	for i := 0; i+1 < len(f.Jobs.Content); i += 2 {
		name := f.Jobs.Content[i].Value
		var dto jobDTO
		if err := f.Jobs.Content[i+1].Decode(&dto); err != nil {
			return domain.PipelineDefinition{}, errors.Wrapf(domain.ErrInvalidPipeline, "job %s: %v", name, err)
		}
		job, err := toJob(name, dto)
		if err != nil {
			return domain.PipelineDefinition{}, err
		}
		p.Jobs = append(p.Jobs, job)
	}
	return p, nil
}

func toJob(name string, dto jobDTO) (domain.JobDefinition, error) {
	job := domain.JobDefinition{
		Name:    name,
		Needs:   dto.Needs,
		Timeout: dto.Timeout,
		Env:     dto.Env,
	}

	for _, on := range dto.On {
		k := domain.EventKind(on)
		if !k.Valid() {
			return job, errors.Wrapf(domain.ErrInvalidPipeline, "job %s: unknown event %q", name, on)
		}
		job.Triggers.Events = append(job.Triggers.Events, k)
	}
	for _, b := range dto.Branches {
		if _, err := glob.Compile(b, '/'); err != nil {
			return job, errors.Wrapf(domain.ErrInvalidPipeline, "job %s: branch pattern %q: %v", name, b, err)
		}
		job.Triggers.Branches = append(job.Triggers.Branches, b)
	}

	if dto.Toolchain != nil {
		job.Toolchain = domain.ToolchainSpec{
			Name:       dto.Toolchain.Name,
			Version:    dto.Toolchain.Version,
			Components: dto.Toolchain.Components,
		}
	}

	for _, c := range dto.Cache {
		if c.Name == "" || len(c.Paths) == 0 {
			return job, errors.Wrapf(domain.ErrInvalidPipeline, "job %s: cache needs a name and paths", name)
		}
		job.Caches = append(job.Caches, domain.CacheKeySpec{Name: c.Name, Paths: c.Paths, HashFiles: c.HashFiles})
	}

	for i, s := range dto.Steps {
		step, err := toStep(s)
		if err != nil {
			return job, errors.Wrapf(err, "job %s: step %d", name, i+1)
		}
		job.Steps = append(job.Steps, step)
	}
	if len(job.Steps) == 0 {
		return job, errors.Wrapf(domain.ErrInvalidPipeline, "job %s: no steps", name)
	}
	return job, nil
}

func toStep(s stepDTO) (domain.Step, error) {
	var (
		step domain.Step
		set  int
	)
	if s.Run != "" {
		step = domain.Step{Kind: domain.StepRunCommand, Params: map[string]string{"run": s.Run}}
		set++
	}
	if s.Checkout != nil {
		step = domain.Step{Kind: domain.StepCheckout, Params: s.Checkout}
		set++
	}
	if s.InstallToolchain != nil {
		step = domain.Step{Kind: domain.StepInstallToolchain, Params: s.InstallToolchain}
		set++
	}
	if s.InstallComponent != nil {
		if s.InstallComponent["component"] == "" {
			return step, errors.Wrap(domain.ErrInvalidPipeline, "install_component without component")
		}
		step = domain.Step{Kind: domain.StepInstallComponent, Params: s.InstallComponent}
		set++
	}
	if set != 1 {
		return step, errors.Wrap(domain.ErrInvalidPipeline, "exactly one of run, checkout, install_toolchain, install_component is required")
	}
	step.Name = s.Name
	return step, nil
}
