package application

import (
	"testing"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePipeline(t *testing.T) {
	tests := []struct {
		name string
		jobs []domain.JobDefinition
		ok   bool
	}{
		{"independent", []domain.JobDefinition{{Name: "a"}, {Name: "b"}}, true},
		{"chain", []domain.JobDefinition{{Name: "a"}, {Name: "b", Needs: []string{"a"}}}, true},
		{"empty", nil, false},
		{"unnamed", []domain.JobDefinition{{}}, false},
		{"duplicate", []domain.JobDefinition{{Name: "a"}, {Name: "a"}}, false},
		{"unknown dependency", []domain.JobDefinition{{Name: "a", Needs: []string{"x"}}}, false},
		{"self cycle", []domain.JobDefinition{{Name: "a", Needs: []string{"a"}}}, false},
		{"cycle", []domain.JobDefinition{
			{Name: "a", Needs: []string{"c"}},
			{Name: "b", Needs: []string{"a"}},
			{Name: "c", Needs: []string{"b"}},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePipeline(domain.PipelineDefinition{Jobs: tt.jobs})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidPipeline)
			}
		})
	}
}

func TestPlan_Only(t *testing.T) {
	p := domain.PipelineDefinition{Jobs: []domain.JobDefinition{
		{Name: "a"},
		{Name: "b", Needs: []string{"a"}},
	}}

	jobs, err := Plan(p, []string{"b", "b"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].Name)
	assert.Empty(t, jobs[0].Needs)
	assert.Equal(t, []string{"a"}, p.Jobs[1].Needs, "definition must not be mutated")

	_, err = Plan(p, []string{"nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidPipeline)
}
