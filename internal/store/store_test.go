package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/events"
	"github.com/harrison/foreman/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &models.PipelineRun{
		ID:         "run-1",
		IssueID:    "issue-9",
		Status:     models.RunQueued,
		PhaseCount: 3,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	started := time.Now().UTC()
	run.Status = models.RunRunning
	run.CurrentPhase = 1
	run.Branch = "foreman/run-1"
	run.StartedAt = &started
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
	assert.Equal(t, 1, got.CurrentPhase)
	assert.Equal(t, "foreman/run-1", got.Branch)
	require.NotNil(t, got.StartedAt)
}

func TestUpdateRunMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateRun(context.Background(), &models.PipelineRun{ID: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListRunsFiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, status := range []models.RunStatus{models.RunCompleted, models.RunFailed, models.RunCompleted} {
		require.NoError(t, s.CreateRun(ctx, &models.PipelineRun{
			ID: "run-" + string(rune('a'+i)), IssueID: "i", Status: status,
			PhaseCount: 1, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	completed, err := s.ListRuns(ctx, models.RunCompleted, 0)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	// Newest first.
	assert.Equal(t, "run-c", completed[0].ID)

	all, err := s.ListRuns(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPhaseUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	phase := &models.PipelinePhase{
		RunID: "run-1", Number: 0, Name: "implement",
		Status: models.PhaseRunning, Iteration: 1, MaxIterations: 2,
		RequiresTeam: true, RequiresReview: true,
	}
	require.NoError(t, s.SavePhase(ctx, phase))

	phase.Status = models.PhaseCompleted
	phase.Review = models.ReviewPassed
	phase.Iteration = 2
	require.NoError(t, s.SavePhase(ctx, phase))

	phases, err := s.PhasesForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, models.PhaseCompleted, phases[0].Status)
	assert.Equal(t, models.ReviewPassed, phases[0].Review)
	assert.Equal(t, 2, phases[0].Iteration)
	assert.True(t, phases[0].RequiresTeam)
}

func TestTeamAndTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	team := &models.AgentTeam{
		ID: "team-1", RunID: "run-1", PhaseNumber: 1,
		Strategy: models.StrategyWavePipeline, Isolation: models.IsolationWorktree,
		PlanSummary: "2 tasks in 2 waves", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveTeam(ctx, team))

	tasks := []models.AgentTask{
		{ID: "t-01", TeamID: "team-1", Name: "api", Role: models.RoleCoder, Wave: 0, Status: models.TaskPending},
		{ID: "t-02", TeamID: "team-1", Name: "wire", Role: models.RoleCoder, Wave: 1,
			DependsOn: []string{"t-01"}, Status: models.TaskPending},
	}
	require.NoError(t, s.SaveTasks(ctx, tasks))

	// Terminal update through the same upsert path.
	tasks[0].Status = models.TaskCompleted
	tasks[0].Branch = "foreman/task-t-01"
	require.NoError(t, s.SaveTasks(ctx, tasks[:1]))

	got, err := s.TasksForTeam(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.TaskCompleted, got[0].Status)
	assert.Equal(t, "foreman/task-t-01", got[0].Branch)
	assert.Equal(t, []string{"t-01"}, got[1].DependsOn)
}

func TestSaveTasksRebindsReplannedTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &models.AgentTeam{
		ID: "team-1", RunID: "run-1", PhaseNumber: 1,
		Strategy: models.StrategyParallel, Isolation: models.IsolationWorktree,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveTeam(ctx, first))
	require.NoError(t, s.SaveTasks(ctx, []models.AgentTask{
		{ID: "run-1-p1-01", TeamID: "team-1", Name: "api", Description: "build the api",
			Role: models.RoleCoder, Wave: 0, Status: models.TaskFailed, Error: "build broke"},
	}))

	// A phase retry plans a fresh team whose tasks reuse the same
	// deterministic IDs. The upsert must rebind the row entirely.
	second := &models.AgentTeam{
		ID: "team-2", RunID: "run-1", PhaseNumber: 1,
		Strategy: models.StrategyWavePipeline, Isolation: models.IsolationWorktree,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveTeam(ctx, second))
	require.NoError(t, s.SaveTasks(ctx, []models.AgentTask{
		{ID: "run-1-p1-01", TeamID: "team-2", Name: "api", Description: "build the api, smaller",
			Role: models.RoleCoder, Wave: 3, DependsOn: []string{"run-1-p1-00"},
			Status: models.TaskPending},
	}))

	stale, err := s.TasksForTeam(ctx, "team-1")
	require.NoError(t, err)
	assert.Empty(t, stale)

	got, err := s.TasksForTeam(ctx, "team-2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "team-2", got[0].TeamID)
	assert.Equal(t, 3, got[0].Wave)
	assert.Equal(t, "build the api, smaller", got[0].Description)
	assert.Equal(t, []string{"run-1-p1-00"}, got[0].DependsOn)
	assert.Equal(t, models.TaskPending, got[0].Status)
	assert.Empty(t, got[0].Error)
}

func TestEventLogDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e1 := events.New("run-1", events.PipelineStarted{IssueID: "i", PhaseCount: 2})
	e2 := events.New("run-1", events.PhaseStarted{Name: "plan", Iteration: 1}).WithPhase(0)

	sink := NewSink(s)
	require.NoError(t, sink.Publish(e1))
	require.NoError(t, sink.Publish(e2))
	// Redelivery of the same logical event.
	require.NoError(t, sink.Publish(e2))

	got, err := s.EventsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.TypePipelineStarted, got[0].Type)
	assert.Equal(t, events.TypePhaseStarted, got[1].Type)
	assert.Equal(t, 0, got[1].Phase)

	payload, ok := got[0].Payload.(events.PipelineStarted)
	require.True(t, ok)
	assert.Equal(t, 2, payload.PhaseCount)
}

func TestEventsForRunIgnoresOtherRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, events.New("run-1", events.PipelineCompleted{})))
	require.NoError(t, s.AppendEvent(ctx, events.New("run-2", events.PipelineFailed{Error: "boom"})))

	got, err := s.EventsForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypePipelineCompleted, got[0].Type)
}
