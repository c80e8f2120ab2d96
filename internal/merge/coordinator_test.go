package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/models"
)

// fakeGit records operations and serves scripted conflicts.
type fakeGit struct {
	merged    []string
	deleted   []string
	checkouts []string
	aborted   int

	conflictOn string   // branch that conflicts
	conflicts  []string // files reported for the conflict
	mergeErr   error
}

func (g *fakeGit) Checkout(_ context.Context, branch string) error {
	g.checkouts = append(g.checkouts, branch)
	return nil
}

func (g *fakeGit) Merge(_ context.Context, branch string) (bool, []string, error) {
	if g.mergeErr != nil {
		return false, nil, g.mergeErr
	}
	if branch == g.conflictOn {
		return true, g.conflicts, nil
	}
	g.merged = append(g.merged, branch)
	return false, nil, nil
}

func (g *fakeGit) AbortMerge(context.Context) error {
	g.aborted++
	return nil
}

func (g *fakeGit) DeleteBranch(_ context.Context, branch string) error {
	g.deleted = append(g.deleted, branch)
	return nil
}

func completedTask(id string) models.AgentTask {
	return models.AgentTask{ID: id, Status: models.TaskCompleted, Branch: "foreman/task-" + id}
}

func TestIntegrateWaveDeterministicOrder(t *testing.T) {
	git := &fakeGit{}
	c := NewCoordinator(git, "foreman/run-1", nil)

	// Tasks handed over in completion order, not ID order.
	tasks := []models.AgentTask{completedTask("c"), completedTask("a"), completedTask("b")}

	res, err := c.IntegrateWave(context.Background(), tasks)
	require.NoError(t, err)
	assert.False(t, res.Conflicts)

	want := []string{"foreman/task-a", "foreman/task-b", "foreman/task-c"}
	assert.Equal(t, want, res.Merged)
	assert.Equal(t, want, git.merged)
	assert.Equal(t, want, git.deleted)
	assert.Equal(t, []string{"foreman/run-1"}, git.checkouts)
}

func TestIntegrateWaveOrderStableAcrossRuns(t *testing.T) {
	tasks := []models.AgentTask{completedTask("b"), completedTask("a")}

	first := &fakeGit{}
	res1, err := NewCoordinator(first, "run", nil).IntegrateWave(context.Background(), tasks)
	require.NoError(t, err)

	// Same wave, different arrival order.
	second := &fakeGit{}
	reordered := []models.AgentTask{tasks[1], tasks[0]}
	res2, err := NewCoordinator(second, "run", nil).IntegrateWave(context.Background(), reordered)
	require.NoError(t, err)

	assert.Equal(t, res1.Merged, res2.Merged)
}

func TestIntegrateWaveStopsAtConflict(t *testing.T) {
	git := &fakeGit{
		conflictOn: "foreman/task-b",
		conflicts:  []string{"internal/server/routes.go"},
	}
	c := NewCoordinator(git, "run", nil)

	tasks := []models.AgentTask{completedTask("a"), completedTask("b"), completedTask("c")}
	res, err := c.IntegrateWave(context.Background(), tasks)
	require.NoError(t, err)

	assert.True(t, res.Conflicts)
	assert.Equal(t, "foreman/task-b", res.ConflictBranch)
	assert.Equal(t, []string{"internal/server/routes.go"}, res.ConflictFiles)
	// a merged before the conflict, c never attempted.
	assert.Equal(t, []string{"foreman/task-a"}, res.Merged)
	assert.Equal(t, 1, git.aborted, "conflicted merge must be aborted")
}

func TestIntegrateWaveSkipsUnmergedTasks(t *testing.T) {
	git := &fakeGit{}
	c := NewCoordinator(git, "run", nil)

	tasks := []models.AgentTask{
		completedTask("a"),
		{ID: "b", Status: models.TaskFailed, Branch: "foreman/task-b"},
		{ID: "c", Status: models.TaskCompleted}, // nothing committed
	}
	res, err := c.IntegrateWave(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"foreman/task-a"}, res.Merged)
}

func TestIntegrateWaveWrapsGitErrors(t *testing.T) {
	git := &fakeGit{mergeErr: errors.New("repository locked")}
	c := NewCoordinator(git, "run", nil)

	_, err := c.IntegrateWave(context.Background(), []models.AgentTask{completedTask("a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository locked")
}
