package events

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/models"
)

func TestNewTagsIdentifiers(t *testing.T) {
	e := New("run-1", TaskFailed{Error: "boom"}).WithPhase(2).WithWave(1).WithTask("task-a")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TypeTaskFailed, e.Type)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, 2, e.Phase)
	assert.Equal(t, 1, e.Wave)
	assert.Equal(t, "task-a", e.TaskID)
	assert.False(t, e.Time.IsZero())
}

func TestFileSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	published := []Event{
		New("run-1", PipelineStarted{IssueID: "issue-9", PhaseCount: 3}),
		New("run-1", TeamCreated{
			TeamID:    "team-1",
			Strategy:  models.StrategyWavePipeline,
			Isolation: models.IsolationWorktree,
			Summary:   "two coders, one tester",
			TaskIDs:   []string{"a", "b"},
		}).WithPhase(1),
		New("run-1", TaskOutput{
			Kind:   models.EventSignal,
			Signal: &models.SignalPayload{Kind: models.SignalProgress, Reason: "halfway"},
		}).WithPhase(1).WithWave(0).WithTask("a"),
	}
	for _, e := range published {
		require.NoError(t, sink.Publish(e))
	}
	require.NoError(t, sink.Close())

	got, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, got, len(published))

	for i := range published {
		assert.Equal(t, published[i].ID, got[i].ID)
		assert.Equal(t, published[i].Type, got[i].Type)
		assert.Equal(t, published[i].Phase, got[i].Phase)
		assert.Equal(t, published[i].Wave, got[i].Wave)
		assert.Equal(t, published[i].TaskID, got[i].TaskID)
	}

	team, ok := got[1].Payload.(TeamCreated)
	require.True(t, ok, "payload decoded as %T", got[1].Payload)
	assert.Equal(t, models.StrategyWavePipeline, team.Strategy)
	assert.Equal(t, []string{"a", "b"}, team.TaskIDs)

	out, ok := got[2].Payload.(TaskOutput)
	require.True(t, ok)
	require.NotNil(t, out.Signal)
	assert.Equal(t, models.SignalProgress, out.Signal.Kind)
}

func TestMemorySinkOfType(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Publish(New("r", WaveStarted{TaskIDs: []string{"a"}})))
	require.NoError(t, sink.Publish(New("r", WaveCompleted{Succeeded: 1})))
	require.NoError(t, sink.Publish(New("r", WaveStarted{TaskIDs: []string{"b"}})))

	waves := sink.OfType(TypeWaveStarted)
	require.Len(t, waves, 2)
	assert.Len(t, sink.Events(), 3)
}

func finishedRunLog() []Event {
	return []Event{
		New("r1", PipelineStarted{IssueID: "i1", PhaseCount: 2}),
		New("r1", BranchCreated{Branch: "foreman/run-r1"}),
		New("r1", PhaseStarted{Name: "implement", Iteration: 1}).WithPhase(0),
		New("r1", TeamCreated{TeamID: "tm1", Strategy: models.StrategyWavePipeline,
			Isolation: models.IsolationWorktree, TaskIDs: []string{"a", "b", "c"}}).WithPhase(0),
		New("r1", WaveStarted{TaskIDs: []string{"a", "b"}}).WithPhase(0).WithWave(0),
		New("r1", TaskStarted{Name: "A", Role: models.RoleCoder}).WithPhase(0).WithWave(0).WithTask("a"),
		New("r1", TaskStarted{Name: "B", Role: models.RoleCoder}).WithPhase(0).WithWave(0).WithTask("b"),
		New("r1", TaskCompleted{Success: true}).WithPhase(0).WithWave(0).WithTask("a"),
		New("r1", TaskFailed{Error: "compile error"}).WithPhase(0).WithWave(0).WithTask("b"),
		New("r1", WaveCompleted{Succeeded: 1, Failed: 1}).WithPhase(0).WithWave(0),
		New("r1", PhaseCompleted{Name: "implement", Success: false}).WithPhase(0),
		New("r1", PipelineFailed{Error: "phase implement failed"}),
	}
}

func TestReplayReconstructsFinalState(t *testing.T) {
	log := finishedRunLog()

	st, err := Replay("r1", log)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, st.Run.Status)
	assert.Equal(t, "i1", st.Run.IssueID)
	assert.Equal(t, "foreman/run-r1", st.Run.Branch)
	assert.Equal(t, 2, st.Run.PhaseCount)

	require.Contains(t, st.Phases, 0)
	assert.Equal(t, models.PhaseFailed, st.Phases[0].Status)

	require.Contains(t, st.Teams, 0)
	assert.Equal(t, "tm1", st.Teams[0].ID)

	assert.Equal(t, models.TaskCompleted, st.Tasks["a"].Status)
	assert.Equal(t, models.TaskFailed, st.Tasks["b"].Status)
	assert.Equal(t, "compile error", st.Tasks["b"].Error)
	// Task c was planned but its wave never started.
	assert.Equal(t, models.TaskPending, st.Tasks["c"].Status)
}

func TestReplayIsIdempotentUnderDuplicates(t *testing.T) {
	log := finishedRunLog()

	// At-least-once delivery: duplicate every event, keyed by event identity.
	doubled := make([]Event, 0, len(log)*2)
	for _, e := range log {
		doubled = append(doubled, e, e)
	}

	once, err := Replay("r1", log)
	require.NoError(t, err)
	twice, err := Replay("r1", doubled)
	require.NoError(t, err)

	assert.Equal(t, once.Run, twice.Run)
	assert.Equal(t, once.Phases, twice.Phases)
	assert.Equal(t, once.Tasks, twice.Tasks)
	assert.Equal(t, once.TaskIDs(), twice.TaskIDs())
}

func TestReplayIgnoresOtherRuns(t *testing.T) {
	log := []Event{
		New("r1", PipelineStarted{IssueID: "i1", PhaseCount: 1}),
		New("r2", PipelineStarted{IssueID: "i2", PhaseCount: 5}),
	}
	st, err := Replay("r1", log)
	require.NoError(t, err)
	assert.Equal(t, "i1", st.Run.IssueID)
	assert.Equal(t, 1, st.Run.PhaseCount)
}
