package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/events"
	"github.com/harrison/foreman/internal/isolation"
	"github.com/harrison/foreman/internal/merge"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/planner"
	"github.com/harrison/foreman/internal/scheduler"
	"github.com/harrison/foreman/internal/verify"
)

type fakeStore struct {
	mu     sync.Mutex
	runs   map[string]models.PipelineRun
	phases map[string]models.PipelinePhase
	teams  []models.AgentTeam
	tasks  map[string]models.AgentTask
	issues map[string]models.Issue
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:   make(map[string]models.PipelineRun),
		phases: make(map[string]models.PipelinePhase),
		tasks:  make(map[string]models.AgentTask),
		issues: make(map[string]models.Issue),
	}
}

func (f *fakeStore) SaveIssue(_ context.Context, issue *models.Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[issue.ID] = *issue
	return nil
}

func (f *fakeStore) CreateRun(_ context.Context, run *models.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStore) UpdateRun(_ context.Context, run *models.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.ID]; !ok {
		return fmt.Errorf("run %s not found", run.ID)
	}
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeStore) SavePhase(_ context.Context, phase *models.PipelinePhase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[fmt.Sprintf("%s/%d", phase.RunID, phase.Number)] = *phase
	return nil
}

func (f *fakeStore) SaveTeam(_ context.Context, team *models.AgentTeam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams = append(f.teams, *team)
	return nil
}

func (f *fakeStore) SaveTasks(_ context.Context, tasks []models.AgentTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range tasks {
		f.tasks[task.ID] = task
	}
	return nil
}

type fakePlanner struct {
	mu       sync.Mutex
	contexts []planner.PhaseContext
	fail     error
}

func (f *fakePlanner) Plan(pc planner.PhaseContext) (*models.AgentTeam, []models.AgentTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, pc)
	if f.fail != nil {
		return nil, nil, f.fail
	}
	team := &models.AgentTeam{
		ID: fmt.Sprintf("team-%d", len(f.contexts)), RunID: pc.RunID,
		PhaseNumber: pc.Phase.Number, Strategy: models.StrategyParallel,
		Isolation: pc.Isolation, PlanSummary: "planned",
	}
	var tasks []models.AgentTask
	for i, spec := range pc.Specs {
		tasks = append(tasks, models.AgentTask{
			ID:     fmt.Sprintf("%s-p%d-%02d", pc.RunID, pc.Phase.Number, i+1),
			TeamID: team.ID, Name: spec.Name, Description: spec.Description,
			Role: spec.Role, Status: models.TaskPending,
		})
	}
	return team, tasks, nil
}

// fakeAgent serves direct phase invocations.
type fakeAgent struct {
	outputs map[string]string // phase name -> output
	pivotOn string
	fail    error
}

func (f *fakeAgent) Run(_ context.Context, task models.AgentTask, _ *isolation.Handle, emit agent.EmitFunc) (agent.Result, error) {
	if f.fail != nil {
		return agent.Result{}, f.fail
	}
	_ = emit(models.AgentEvent{
		ID: "ev-" + task.ID, TaskID: task.ID,
		Kind: models.EventOutput, Content: "working",
		CreatedAt: time.Now().UTC(),
	})
	if task.Name == f.pivotOn {
		return agent.Result{Pivot: true, PivotReason: "needs redesign"}, nil
	}
	return agent.Result{Output: f.outputs[task.Name], Events: 1}, nil
}

// fakeWaves scripts successive team executions.
type fakeWaves struct {
	mu       sync.Mutex
	calls    int
	failTill int    // attempts that end in a required-task failure
	conflict bool
	pivot    string // pivot reason on first call
}

func (f *fakeWaves) Run(_ context.Context, runID string, phase int, tasks []models.AgentTask) (scheduler.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	out := scheduler.Outcome{
		Tasks:   append([]models.AgentTask(nil), tasks...),
		Outputs: make(map[string]string),
	}
	if f.calls <= f.failTill {
		out.Tasks[0].Status = models.TaskFailed
		out.Tasks[0].Error = "agent crashed"
		return out, &scheduler.WaveError{Wave: 0, Failed: []string{tasks[0].ID}}
	}
	if f.conflict {
		for i := range out.Tasks {
			out.Tasks[i].Status = models.TaskCompleted
		}
		out.Conflict = true
		out.Waves = []scheduler.WaveResult{{Merge: merge.Result{
			Conflicts: true, ConflictBranch: "foreman/task-x", ConflictFiles: []string{"main.go"},
		}}}
		return out, nil
	}
	if f.pivot != "" && f.calls == 1 {
		out.Pivot = true
		out.PivotReason = f.pivot
		return out, nil
	}
	for i := range out.Tasks {
		out.Tasks[i].Status = models.TaskCompleted
		out.Outputs[out.Tasks[i].ID] = "done " + out.Tasks[i].Name
	}
	return out, nil
}

type fakeVerifier struct {
	failCheck string
	calls     int
}

func (f *fakeVerifier) Run(_ context.Context, _ string, checks []config.CheckConfig) ([]verify.Result, error) {
	f.calls++
	var out []verify.Result
	for _, c := range checks {
		out = append(out, verify.Result{
			Check: c.Name, Type: c.Type, Passed: c.Name != f.failCheck,
			Summary: "checked",
		})
	}
	return out, nil
}

type fakeGit struct {
	mu   sync.Mutex
	cmds [][]string
}

func (f *fakeGit) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, append([]string{name}, args...))
	return "", nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Phases = []config.PhaseConfig{
		{Name: "plan", MaxIterations: 1},
		{Name: "implement", RequiresTeam: true, RequiresReview: true, MaxIterations: 2,
			Verify: []config.CheckConfig{{Type: "test_build", Name: "build", Commands: []string{"go build ./..."}}}},
	}
	return cfg
}

type harness struct {
	engine   *Engine
	store    *fakeStore
	planner  *fakePlanner
	waves    *fakeWaves
	verifier *fakeVerifier
	sink     *events.MemorySink
	git      *fakeGit
}

func newHarness(t *testing.T, cfg *config.Config, agents *fakeAgent, waves *fakeWaves) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		planner:  &fakePlanner{},
		waves:    waves,
		verifier: &fakeVerifier{},
		sink:     events.NewMemorySink(),
		git:      &fakeGit{},
	}
	engine, err := New(Deps{
		Config:   cfg,
		Store:    h.store,
		Planner:  h.planner,
		Runner:   agents,
		Verifier: h.verifier,
		Sink:     h.sink,
		Git:      h.git,
		RepoDir:  t.TempDir(),
		Waves: func(*models.PipelineRun, *models.AgentTeam, int) (WaveRunner, error) {
			return h.waves, nil
		},
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func testIssue() *models.Issue {
	return &models.Issue{
		ID: "issue-7", Title: "Add rate limiting",
		Body:   "# Add rate limiting\n\n- [ ] limiter middleware\n- [ ] wire into router\n",
		Status: models.IssueReady,
	}
}

func TestExecuteCompletesRun(t *testing.T) {
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] limiter middleware\n- [ ] wire into router"}}
	h := newHarness(t, testConfig(), agents, &fakeWaves{})
	issue := testIssue()

	run, err := h.engine.Execute(context.Background(), issue)
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, run.CurrentPhase)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, "foreman/run-"+run.ID, run.Branch)
	assert.Equal(t, models.IssueDone, issue.Status)

	// The branch was cut from the configured base.
	require.NotEmpty(t, h.git.cmds)
	assert.Equal(t, []string{"git", "checkout", "-b", run.Branch, "main"}, h.git.cmds[0])

	// The team phase was planned from the plan phase's task list plus a
	// closing reviewer.
	require.Len(t, h.planner.contexts, 1)
	specs := h.planner.contexts[0].Specs
	require.Len(t, specs, 3)
	assert.Equal(t, models.RoleReviewer, specs[2].Role)
	assert.Equal(t, []string{"task-01", "task-02"}, specs[2].DependsOn)
	assert.Contains(t, h.planner.contexts[0].PriorOutputs[0], "limiter middleware")

	assert.Equal(t, 1, h.verifier.calls)

	for _, typ := range []events.Type{
		events.TypePipelineStarted, events.TypeBranchCreated, events.TypeTeamCreated,
		events.TypeReviewCompleted, events.TypeVerificationResult, events.TypePipelineCompleted,
	} {
		assert.NotEmpty(t, h.sink.OfType(typ), string(typ))
	}
	assert.Len(t, h.sink.OfType(events.TypePhaseStarted), 2)
	assert.Len(t, h.sink.OfType(events.TypePhaseCompleted), 2)
}

func TestExecuteRetriesFailedPhase(t *testing.T) {
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] one thing"}}
	h := newHarness(t, testConfig(), agents, &fakeWaves{failTill: 1})

	run, err := h.engine.Execute(context.Background(), testIssue())
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Iteration)
	assert.Equal(t, 2, h.waves.calls)

	phase := h.store.phases[run.ID+"/1"]
	assert.Equal(t, 2, phase.Iteration)
	assert.Equal(t, models.PhaseCompleted, phase.Status)
	assert.NotEmpty(t, h.sink.OfType(events.TypePipelineProgress))
}

func TestExecuteFailsRunWhenBudgetExhausted(t *testing.T) {
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] one thing"}}
	h := newHarness(t, testConfig(), agents, &fakeWaves{failTill: 10})
	issue := testIssue()

	run, err := h.engine.Execute(context.Background(), issue)
	require.Error(t, err)

	var waveErr *scheduler.WaveError
	assert.ErrorAs(t, err, &waveErr)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Contains(t, run.Error, "required task")
	assert.Equal(t, 2, h.waves.calls)
	assert.Equal(t, models.IssueReady, issue.Status)

	phase := h.store.phases[run.ID+"/1"]
	assert.Equal(t, models.PhaseFailed, phase.Status)
	assert.Equal(t, models.ReviewFailed, phase.Review)
	require.Len(t, h.sink.OfType(events.TypePipelineFailed), 1)
}

func TestExecutePlanningErrorNotRetried(t *testing.T) {
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] one thing"}}
	h := newHarness(t, testConfig(), agents, &fakeWaves{})
	h.planner.fail = &planner.PlanningError{Phase: "implement", Reason: "no reviewer"}

	run, err := h.engine.Execute(context.Background(), testIssue())
	require.Error(t, err)

	var planErr *planner.PlanningError
	assert.ErrorAs(t, err, &planErr)
	assert.Equal(t, models.RunFailed, run.Status)
	// Despite the phase's retry budget of 2, planning failed exactly once.
	assert.Len(t, h.planner.contexts, 1)
}

func TestExecuteMergeConflictFailsPhase(t *testing.T) {
	cfg := testConfig()
	cfg.Phases[1].MaxIterations = 1
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] one thing"}}
	h := newHarness(t, cfg, agents, &fakeWaves{conflict: true})

	run, err := h.engine.Execute(context.Background(), testIssue())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge conflict")
	assert.Equal(t, models.RunFailed, run.Status)
}

func TestExecutePivotReplansPhase(t *testing.T) {
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] one thing"}}
	h := newHarness(t, testConfig(), agents, &fakeWaves{pivot: "split the work differently"})

	run, err := h.engine.Execute(context.Background(), testIssue())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)

	// Planned twice; the second round saw the pivot note in its context.
	require.Len(t, h.planner.contexts, 2)
	second := h.planner.contexts[1].PriorOutputs
	assert.Contains(t, second[len(second)-1], "split the work differently")
	assert.Equal(t, 2, h.waves.calls)
}

func TestExecuteVerificationFailureRetries(t *testing.T) {
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] one thing"}}
	h := newHarness(t, testConfig(), agents, &fakeWaves{})
	h.verifier.failCheck = "build"

	run, err := h.engine.Execute(context.Background(), testIssue())
	require.Error(t, err)

	var verr *verify.Error
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, models.RunFailed, run.Status)
	// One verification per attempt, two attempts.
	assert.Equal(t, 2, h.verifier.calls)
	assert.NotEmpty(t, h.sink.OfType(events.TypeVerificationResult))
}

func TestExecuteDirectPhaseFailureFailsRun(t *testing.T) {
	agents := &fakeAgent{fail: errors.New("agent unavailable")}
	h := newHarness(t, testConfig(), agents, &fakeWaves{})

	run, err := h.engine.Execute(context.Background(), testIssue())
	require.Error(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.NotEmpty(t, h.sink.OfType(events.TypeTaskFailed))
}

func TestCancelStopsRun(t *testing.T) {
	agents := &fakeAgent{outputs: map[string]string{"plan": "- [ ] one thing"}}
	started := make(chan string, 1)
	blocking := &blockingWaves{started: started, release: make(chan struct{})}
	h := newHarness(t, testConfig(), agents, &fakeWaves{})
	h.engine.waves = func(*models.PipelineRun, *models.AgentTeam, int) (WaveRunner, error) {
		return blocking, nil
	}

	type result struct {
		run *models.PipelineRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := h.engine.Execute(context.Background(), testIssue())
		done <- result{run, err}
	}()

	runID := <-started
	require.True(t, h.engine.Cancel(runID))

	res := <-done
	require.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, models.RunCancelled, res.run.Status)
	require.Len(t, h.sink.OfType(events.TypePipelineCancelled), 1)

	// The in-flight phase must land in a terminal state, not stay running.
	phase := h.store.phases[res.run.ID+"/1"]
	assert.Equal(t, models.PhaseCancelled, phase.Status)
	require.NotNil(t, phase.CompletedAt)
	// The run is no longer cancellable once finished.
	assert.False(t, h.engine.Cancel(runID))
}

// blockingWaves parks team execution until its context is cancelled.
type blockingWaves struct {
	started chan string
	release chan struct{}
}

func (b *blockingWaves) Run(ctx context.Context, runID string, _ int, tasks []models.AgentTask) (scheduler.Outcome, error) {
	b.started <- runID
	select {
	case <-ctx.Done():
		out := scheduler.Outcome{Tasks: tasks}
		for i := range out.Tasks {
			out.Tasks[i].Status = models.TaskCancelled
		}
		return out, ctx.Err()
	case <-b.release:
		return scheduler.Outcome{Tasks: tasks}, nil
	}
}

func TestBlockerBoardAwaitAndAck(t *testing.T) {
	board := NewBlockerBoard()
	task := models.AgentTask{ID: "t-1"}

	released := make(chan error, 1)
	go func() {
		released <- board.Await(context.Background(), task, "needs credentials")
	}()

	// Wait for the blocker to surface.
	var pending []Blocker
	require.Eventually(t, func() bool {
		pending = board.Pending()
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "needs credentials", pending[0].Reason)

	require.NoError(t, board.Ack("t-1"))
	require.NoError(t, <-released)
	assert.Empty(t, board.Pending())

	assert.Error(t, board.Ack("t-1"))
}

func TestBlockerBoardAwaitCancelled(t *testing.T) {
	board := NewBlockerBoard()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := board.Await(ctx, models.AgentTask{ID: "t-2"}, "stuck")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, board.Pending())
}
