package statusfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")
	start := time.Unix(1700000000, 0)

	r := domain.RunReport{
		RunID:    "r1",
		Name:     "brave-otter",
		Pipeline: "ci",
		Event:    domain.Event{Kind: domain.EventPush, Ref: "refs/heads/main", SHA: "abc"},
		Status:   domain.RunFailed,
		Jobs: []domain.JobRunResult{
			{Job: "test", Status: domain.JobSucceeded, StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
			{Job: "coverage", Status: domain.JobSkipped, Error: "dependency test failed"},
		},
		FinishedAt: start.Add(2 * time.Second),
	}
	require.NoError(t, New(path).Write(context.Background(), r))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got snapshot
	require.NoError(t, json.Unmarshal(b, &got))

	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "refs/heads/main", got.Ref)
	require.Len(t, got.Jobs, 2)
	assert.Equal(t, "1.5s", got.Jobs[0].Duration)
	assert.Empty(t, got.Jobs[1].Duration)
	assert.Equal(t, start.Add(2*time.Second).Unix(), got.Finished)
}

func TestWrite_EmptyPath(t *testing.T) {
	assert.Error(t, New("").Write(context.Background(), domain.RunReport{}))
}
