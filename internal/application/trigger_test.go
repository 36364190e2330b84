package application

import (
	"testing"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit(t *testing.T) {
	p := domain.PipelineDefinition{Jobs: []domain.JobDefinition{
		{Name: "test", Triggers: domain.TriggerFilter{Events: []domain.EventKind{domain.EventPush}}},
	}}

	t.Run("matching kind", func(t *testing.T) {
		ok, err := Admit(p, domain.Event{Kind: domain.EventPush, Ref: "main"})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non matching kind", func(t *testing.T) {
		ok, err := Admit(p, domain.Event{Kind: domain.EventPullRequest, Ref: "main"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing kind", func(t *testing.T) {
		_, err := Admit(p, domain.Event{Ref: "main"})
		assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Admit(p, domain.Event{Kind: "tag"})
		assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	})
}

func TestTriggered_Branches(t *testing.T) {
	f := domain.TriggerFilter{Branches: []string{"main", "release/*"}}

	tests := []struct {
		ref  string
		want bool
	}{
		{"refs/heads/main", true},
		{"main", true},
		{"refs/heads/release/1.2", true},
		{"release/1.2/hotfix", false},
		{"feature/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got := Triggered(f, domain.Event{Kind: domain.EventPush, Ref: tt.ref})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTriggered_EmptyFilterMatchesAll(t *testing.T) {
	assert.True(t, Triggered(domain.TriggerFilter{}, domain.Event{Kind: domain.EventPullRequest}))
}
