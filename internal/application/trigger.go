package application

import (
	"fmt"
	"slices"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/gobwas/glob"
)

// ValidateEvent rejects events that cannot start a run.
func ValidateEvent(ev domain.Event) error {
	if ev.Kind == "" {
		return fmt.Errorf("%w: missing kind", domain.ErrInvalidEvent)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidEvent, ev.Kind)
	}
	return nil
}

// Admit reports whether any job in the pipeline is triggered by ev.
func Admit(p domain.PipelineDefinition, ev domain.Event) (bool, error) {
	if err := ValidateEvent(ev); err != nil {
		return false, err
	}
	for _, j := range p.Jobs {
		if Triggered(j.Triggers, ev) {
			return true, nil
		}
	}
	return false, nil
}

// Triggered matches a single job filter. An empty event list matches every
// kind; branch globs only apply when declared.
func Triggered(f domain.TriggerFilter, ev domain.Event) bool {
	if len(f.Events) > 0 && !slices.Contains(f.Events, ev.Kind) {
		return false
	}
	if len(f.Branches) == 0 {
		return true
	}
	branch := ev.Branch()
	for _, pattern := range f.Branches {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		if g.Match(branch) {
			return true
		}
	}
	return false
}
