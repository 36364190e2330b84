package application

import (
	"fmt"

	"github.com/davarch/ci-runner/internal/domain"
)

// Plan returns the jobs to instantiate for a run, in declaration order. When
// only is non-empty the named jobs are selected and their dependencies are
// dropped.
func Plan(p domain.PipelineDefinition, only []string) ([]domain.JobDefinition, error) {
	if err := ValidatePipeline(p); err != nil {
		return nil, err
	}
	if len(only) == 0 {
		return p.Jobs, nil
	}

	out := make([]domain.JobDefinition, 0, len(only))
	seen := make(map[string]bool, len(only))
	for _, name := range only {
		if seen[name] {
			continue
		}
		seen[name] = true
		j, ok := p.Job(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown job %q", domain.ErrInvalidPipeline, name)
		}
		j.Needs = nil
		out = append(out, j)
	}
	return out, nil
}

// ValidatePipeline checks names are unique, dependencies exist and the
// graph is acyclic.
func ValidatePipeline(p domain.PipelineDefinition) error {
	if len(p.Jobs) == 0 {
		return fmt.Errorf("%w: no jobs", domain.ErrInvalidPipeline)
	}
	jobs := make(map[string]domain.JobDefinition, len(p.Jobs))
	for _, j := range p.Jobs {
		if j.Name == "" {
			return fmt.Errorf("%w: job without a name", domain.ErrInvalidPipeline)
		}
		if _, dup := jobs[j.Name]; dup {
			return fmt.Errorf("%w: duplicate job %q", domain.ErrInvalidPipeline, j.Name)
		}
		jobs[j.Name] = j
	}
	for _, j := range p.Jobs {
		for _, dep := range j.Needs {
			if _, ok := jobs[dep]; !ok {
				return fmt.Errorf("%w: job %s depends on unknown job %s", domain.ErrInvalidPipeline, j.Name, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(jobs))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle through %s", domain.ErrInvalidPipeline, name)
		case visited:
			return nil
		}
		state[name] = visiting
		for _, dep := range jobs[name].Needs {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		return nil
	}
	for _, j := range p.Jobs {
		if err := visit(j.Name); err != nil {
			return err
		}
	}
	return nil
}
