// Package pipeline drives a run through its phases. The engine is the only
// writer of run and phase status; planner, scheduler, merge, and verify
// report outcomes upward and the engine decides between advancement, retry,
// and failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/events"
	"github.com/harrison/foreman/internal/isolation"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/merge"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/planner"
	"github.com/harrison/foreman/internal/scheduler"
	"github.com/harrison/foreman/internal/verify"
)

// Store is the persistence surface the engine writes through.
type Store interface {
	SaveIssue(ctx context.Context, issue *models.Issue) error
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	UpdateRun(ctx context.Context, run *models.PipelineRun) error
	SavePhase(ctx context.Context, phase *models.PipelinePhase) error
	SaveTeam(ctx context.Context, team *models.AgentTeam) error
	SaveTasks(ctx context.Context, tasks []models.AgentTask) error
}

// TeamPlanner produces a team and task set for a phase.
type TeamPlanner interface {
	Plan(pc planner.PhaseContext) (*models.AgentTeam, []models.AgentTask, error)
}

// WaveRunner executes a team's tasks wave by wave.
type WaveRunner interface {
	Run(ctx context.Context, runID string, phase int, tasks []models.AgentTask) (scheduler.Outcome, error)
}

// WaveFactory builds the wave runner for one team execution.
type WaveFactory func(run *models.PipelineRun, team *models.AgentTeam, taskCount int) (WaveRunner, error)

// Verifier runs a phase's verification checks.
type Verifier interface {
	Run(ctx context.Context, dir string, checks []config.CheckConfig) ([]verify.Result, error)
}

// Deps wires the engine's collaborators. Config, Store, Planner, and Runner
// are required; the rest default sensibly.
type Deps struct {
	Config   *config.Config
	Store    Store
	Planner  TeamPlanner
	Runner   scheduler.AgentRunner
	Verifier Verifier
	Sink     events.Sink
	Git      isolation.CommandRunner
	RepoDir  string
	Waves    WaveFactory
	Blockers *BlockerBoard
	Log      logger.Logger
}

// Engine executes pipeline runs.
type Engine struct {
	cfg      *config.Config
	store    Store
	planner  TeamPlanner
	agents   scheduler.AgentRunner
	verifier Verifier
	sink     events.Sink
	git      isolation.CommandRunner
	repoDir  string
	waves    WaveFactory
	blockers *BlockerBoard
	log      logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	if deps.Config == nil || deps.Store == nil || deps.Planner == nil || deps.Runner == nil {
		return nil, fmt.Errorf("pipeline: config, store, planner, and runner are required")
	}
	if deps.Sink == nil {
		deps.Sink = events.NopSink{}
	}
	if deps.Git == nil {
		deps.Git = isolation.ExecRunner{}
	}
	if deps.Blockers == nil {
		deps.Blockers = NewBlockerBoard()
	}

	e := &Engine{
		cfg:      deps.Config,
		store:    deps.Store,
		planner:  deps.Planner,
		agents:   deps.Runner,
		verifier: deps.Verifier,
		sink:     deps.Sink,
		git:      deps.Git,
		repoDir:  deps.RepoDir,
		waves:    deps.Waves,
		blockers: deps.Blockers,
		log:      logger.OrNop(deps.Log),
		cancels:  make(map[string]context.CancelFunc),
	}
	if e.waves == nil {
		e.waves = e.defaultWaves
	}
	return e, nil
}

// Blockers exposes the board operators acknowledge blocker signals on.
func (e *Engine) Blockers() *BlockerBoard { return e.blockers }

// Cancel requests cancellation of an in-flight run. It reports whether the
// run was known to this engine.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.cancels[runID]
	if ok {
		cancel()
	}
	return ok
}

// defaultWaves builds the production scheduler: workspace isolation per the
// team's strategy and merges serialized into the run branch.
func (e *Engine) defaultWaves(run *models.PipelineRun, team *models.AgentTeam, taskCount int) (WaveRunner, error) {
	iso, err := isolation.NewManager(team.Isolation, isolation.Options{
		RepoDir:        e.repoDir,
		BaseBranch:     run.Branch,
		WorktreeRoot:   e.cfg.WorktreeRoot,
		ContainerImage: e.cfg.ContainerImage,
		TaskCount:      taskCount,
		Runner:         e.git,
		Logger:         e.log,
	})
	if err != nil {
		return nil, err
	}
	coord := merge.NewCoordinator(&merge.CLIGit{RepoDir: e.repoDir}, run.Branch, e.log)
	return scheduler.New(e.agents, iso, coord, e.sink, e.cfg.MaxConcurrency, e.log), nil
}

// Execute runs an issue's pipeline to a terminal status. The returned run
// reflects the final state; a non-nil error accompanies failed or cancelled
// runs.
func (e *Engine) Execute(ctx context.Context, issue *models.Issue) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		ID:         uuid.NewString()[:8],
		IssueID:    issue.ID,
		Status:     models.RunQueued,
		PhaseCount: len(e.cfg.Phases),
		CreatedAt:  time.Now().UTC(),
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	phases := make([]*models.PipelinePhase, len(e.cfg.Phases))
	for i, pc := range e.cfg.Phases {
		phases[i] = &models.PipelinePhase{
			RunID:          run.ID,
			Number:         i,
			Name:           pc.Name,
			Status:         models.PhasePending,
			MaxIterations:  pc.MaxIterations,
			RequiresTeam:   pc.RequiresTeam,
			RequiresReview: pc.RequiresReview,
			Budget:         models.PhaseBudget{MaxTasks: pc.MaxTasks},
			Review:         models.ReviewPending,
		}
		if err := e.store.SavePhase(ctx, phases[i]); err != nil {
			return nil, err
		}
	}

	issue.Status = models.IssueInProgress
	issue.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveIssue(ctx, issue); err != nil {
		return nil, err
	}
	e.publish(events.New(run.ID, events.IssueUpdated{IssueID: issue.ID, Status: issue.Status}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
	}()

	return run, e.drive(runCtx, run, phases, issue)
}

// drive owns every run and phase status transition.
func (e *Engine) drive(ctx context.Context, run *models.PipelineRun, phases []*models.PipelinePhase, issue *models.Issue) error {
	now := time.Now().UTC()
	run.Status = models.RunRunning
	run.StartedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.publish(events.New(run.ID, events.PipelineStarted{IssueID: issue.ID, PhaseCount: run.PhaseCount}))

	if err := e.createRunBranch(ctx, run); err != nil {
		return e.failRun(run, issue, err)
	}

	var prior []string
	for i := range phases {
		if ctx.Err() != nil {
			return e.cancelRun(run, issue)
		}
		run.CurrentPhase = i
		if err := e.storeRun(run); err != nil {
			return err
		}

		output, err := e.executePhase(ctx, run, phases[i], issue, prior)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelRun(run, issue)
			}
			return e.failRun(run, issue, err)
		}
		if output != "" {
			prior = append(prior, output)
		}
	}

	done := time.Now().UTC()
	run.Status = models.RunCompleted
	run.CompletedAt = &done
	if err := e.storeRun(run); err != nil {
		return err
	}
	e.publish(events.New(run.ID, events.PipelineCompleted{}))

	issue.Status = models.IssueDone
	issue.UpdatedAt = done
	if err := e.store.SaveIssue(context.WithoutCancel(ctx), issue); err != nil {
		e.log.Warnf("save issue %s: %v", issue.ID, err)
	}
	e.publish(events.New(run.ID, events.IssueUpdated{IssueID: issue.ID, Status: issue.Status}))
	e.log.Infof("run %s completed on branch %s", run.ID, run.Branch)
	return nil
}

// errPivot signals a phase attempt that stopped to re-plan.
type errPivot struct {
	reason string
}

func (e *errPivot) Error() string { return "pivot requested: " + e.reason }

// executePhase attempts a phase until success, exhausted retry budget, or a
// non-retryable fault. Each attempt replans the team from current context.
func (e *Engine) executePhase(ctx context.Context, run *models.PipelineRun, phase *models.PipelinePhase, issue *models.Issue, prior []string) (string, error) {
	var pivotNotes []string

	for {
		phase.Iteration++
		if phase.Iteration > 1 {
			run.Iteration++
			if err := e.storeRun(run); err != nil {
				return "", err
			}
		}

		now := time.Now().UTC()
		phase.Status = models.PhaseRunning
		phase.StartedAt = &now
		phase.Error = ""
		if err := e.store.SavePhase(ctx, phase); err != nil {
			return "", err
		}
		e.publish(events.New(run.ID, events.PhaseStarted{Name: phase.Name, Iteration: phase.Iteration}).
			WithPhase(phase.Number))
		if phase.RequiresReview {
			e.publish(events.New(run.ID, events.ReviewStarted{}).WithPhase(phase.Number))
		}

		attemptCtx := append(append([]string(nil), prior...), pivotNotes...)
		output, err := e.attemptPhase(ctx, run, phase, issue, attemptCtx)
		if err == nil {
			done := time.Now().UTC()
			phase.Status = models.PhaseCompleted
			phase.CompletedAt = &done
			if phase.RequiresReview {
				phase.Review = models.ReviewPassed
				e.publish(events.New(run.ID, events.ReviewCompleted{Passed: true, Findings: phase.FindingCount}).
					WithPhase(phase.Number))
			}
			if serr := e.store.SavePhase(ctx, phase); serr != nil {
				return "", serr
			}
			e.publish(events.New(run.ID, events.PhaseCompleted{Name: phase.Name, Success: true}).
				WithPhase(phase.Number))
			return output, nil
		}

		if ctx.Err() != nil {
			done := time.Now().UTC()
			phase.Status = models.PhaseCancelled
			phase.CompletedAt = &done
			if serr := e.store.SavePhase(context.Background(), phase); serr != nil {
				e.log.Errorf("persist cancelled phase %s: %v", phase.Name, serr)
			}
			return "", ctx.Err()
		}

		var pivot *errPivot
		if errors.As(err, &pivot) {
			// Re-planning consumes an attempt, bounding pivot loops by the
			// same budget as failures.
			pivotNotes = append(pivotNotes, "Plan adjustment requested: "+pivot.reason)
			if phase.RetryBudgetLeft() {
				e.log.Infof("run %s phase %s: replanning (%s)", run.ID, phase.Name, pivot.reason)
				e.publish(events.New(run.ID, events.PipelineProgress{
					Message: fmt.Sprintf("phase %s replanning: %s", phase.Name, pivot.reason)}))
				continue
			}
			err = fmt.Errorf("pivot requested with no retry budget left: %s", pivot.reason)
		}

		phase.Error = err.Error()
		if phase.RequiresReview {
			phase.Review = models.ReviewFailed
			e.publish(events.New(run.ID, events.ReviewCompleted{Passed: false, Findings: phase.FindingCount}).
				WithPhase(phase.Number))
		}

		var planErr *planner.PlanningError
		retryable := !errors.As(err, &planErr)

		if retryable && phase.RetryBudgetLeft() {
			if serr := e.store.SavePhase(ctx, phase); serr != nil {
				return "", serr
			}
			e.log.Warnf("run %s phase %s attempt %d failed, retrying: %v", run.ID, phase.Name, phase.Iteration, err)
			e.publish(events.New(run.ID, events.PipelineProgress{
				Message: fmt.Sprintf("phase %s attempt %d failed, retrying", phase.Name, phase.Iteration)}))
			continue
		}

		done := time.Now().UTC()
		phase.Status = models.PhaseFailed
		phase.CompletedAt = &done
		if serr := e.store.SavePhase(ctx, phase); serr != nil {
			return "", serr
		}
		e.publish(events.New(run.ID, events.PhaseCompleted{Name: phase.Name, Success: false}).
			WithPhase(phase.Number))
		return "", fmt.Errorf("phase %s: %w", phase.Name, err)
	}
}

// attemptPhase performs one attempt: team or direct execution, then the
// phase's verification checks.
func (e *Engine) attemptPhase(ctx context.Context, run *models.PipelineRun, phase *models.PipelinePhase, issue *models.Issue, prior []string) (string, error) {
	var output string
	var err error
	if phase.RequiresTeam {
		output, err = e.runTeamPhase(ctx, run, phase, issue, prior)
	} else {
		output, err = e.runDirectPhase(ctx, run, phase, issue, prior)
	}
	if err != nil {
		return "", err
	}

	if checks := e.cfg.Phases[phase.Number].Verify; len(checks) > 0 && e.verifier != nil {
		results, verr := e.verifier.Run(ctx, e.repoDir, checks)
		if verr != nil {
			return "", fmt.Errorf("verification: %w", verr)
		}
		for _, res := range results {
			e.publish(events.New(run.ID, events.VerificationResult{
				Check:    res.Check,
				Passed:   res.Passed,
				Summary:  res.Summary,
				Evidence: res.Evidence,
			}).WithPhase(phase.Number))
		}
		if failed := verify.Failures(results); len(failed) > 0 {
			return "", &verify.Error{Failed: failed}
		}
	}

	return output, nil
}

// runTeamPhase plans a team and schedules its waves.
func (e *Engine) runTeamPhase(ctx context.Context, run *models.PipelineRun, phase *models.PipelinePhase, issue *models.Issue, prior []string) (string, error) {
	pc := planner.PhaseContext{
		RunID:        run.ID,
		Phase:        *phase,
		Issue:        *issue,
		PriorOutputs: prior,
		Specs:        specsForPhase(*phase, *issue, prior),
		Isolation:    e.cfg.Isolation,
		Strategy:     models.StrategyAdaptive,
	}
	team, tasks, err := e.planner.Plan(pc)
	if err != nil {
		return "", err
	}

	if err := e.store.SaveTeam(ctx, team); err != nil {
		return "", err
	}
	if err := e.store.SaveTasks(ctx, tasks); err != nil {
		return "", err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	e.publish(events.New(run.ID, events.TeamCreated{
		TeamID:    team.ID,
		Strategy:  team.Strategy,
		Isolation: team.Isolation,
		Summary:   team.PlanSummary,
		TaskIDs:   ids,
	}).WithPhase(phase.Number))

	waves, err := e.waves(run, team, len(tasks))
	if err != nil {
		return "", fmt.Errorf("build scheduler: %w", err)
	}

	out, runErr := waves.Run(ctx, run.ID, phase.Number, tasks)
	if serr := e.store.SaveTasks(context.WithoutCancel(ctx), out.Tasks); serr != nil {
		e.log.Warnf("persist tasks for team %s: %v", team.ID, serr)
	}
	if runErr != nil {
		return "", runErr
	}
	if out.Conflict {
		last := out.Waves[len(out.Waves)-1].Merge
		return "", fmt.Errorf("merge conflict on %s (%d file(s))", last.ConflictBranch, len(last.ConflictFiles))
	}
	if out.Pivot {
		return "", &errPivot{reason: out.PivotReason}
	}

	return phaseOutput(out), nil
}

// runDirectPhase executes a phase as one agent invocation against the run
// branch in the shared repository checkout.
func (e *Engine) runDirectPhase(ctx context.Context, run *models.PipelineRun, phase *models.PipelinePhase, issue *models.Issue, prior []string) (string, error) {
	task := models.AgentTask{
		ID:          fmt.Sprintf("%s-p%d-direct", run.ID, phase.Number),
		Name:        phase.Name,
		Description: directPrompt(*phase, *issue, prior),
		Role:        roleForPhase(phase.Name),
		Status:      models.TaskRunning,
	}
	handle := &isolation.Handle{
		TaskID:       task.ID,
		Strategy:     models.IsolationShared,
		WorktreePath: e.repoDir,
	}
	emit := func(ev models.AgentEvent) error {
		return e.sink.Publish(events.New(run.ID, events.TaskOutput{
			Kind:    ev.Kind,
			Content: ev.Content,
			Action:  ev.Payload.Action,
			Signal:  ev.Payload.Signal,
		}).WithPhase(phase.Number).WithTask(task.ID))
	}

	e.publish(events.New(run.ID, events.TaskStarted{Name: task.Name, Role: task.Role}).
		WithPhase(phase.Number).WithTask(task.ID))
	res, err := e.agents.Run(ctx, task, handle, emit)
	if err != nil {
		e.publish(events.New(run.ID, events.TaskFailed{Error: err.Error()}).
			WithPhase(phase.Number).WithTask(task.ID))
		return "", err
	}
	e.publish(events.New(run.ID, events.TaskCompleted{Success: true}).
		WithPhase(phase.Number).WithTask(task.ID))

	if res.Pivot {
		return "", &errPivot{reason: res.PivotReason}
	}
	return res.Output, nil
}

// createRunBranch cuts the run's working branch from the base branch.
func (e *Engine) createRunBranch(ctx context.Context, run *models.PipelineRun) error {
	run.Branch = "foreman/run-" + run.ID
	if _, err := e.git.Run(ctx, e.repoDir, "git", "checkout", "-b", run.Branch, e.cfg.BaseBranch); err != nil {
		return fmt.Errorf("create run branch %s: %w", run.Branch, err)
	}
	if err := e.storeRun(run); err != nil {
		return err
	}
	e.publish(events.New(run.ID, events.BranchCreated{Branch: run.Branch}))
	e.log.Infof("run %s working on branch %s", run.ID, run.Branch)
	return nil
}

// failRun moves the run to failed and pushes the issue back for attention.
func (e *Engine) failRun(run *models.PipelineRun, issue *models.Issue, cause error) error {
	now := time.Now().UTC()
	run.Status = models.RunFailed
	run.Error = cause.Error()
	run.CompletedAt = &now
	if err := e.storeRun(run); err != nil {
		e.log.Errorf("persist failed run %s: %v", run.ID, err)
	}
	e.publish(events.New(run.ID, events.PipelineFailed{Error: cause.Error()}))

	issue.Status = models.IssueReady
	issue.UpdatedAt = now
	if err := e.store.SaveIssue(context.Background(), issue); err != nil {
		e.log.Warnf("save issue %s: %v", issue.ID, err)
	}
	e.publish(events.New(run.ID, events.IssueUpdated{IssueID: issue.ID, Status: issue.Status}))
	e.log.Errorf("run %s failed: %v", run.ID, cause)
	return fmt.Errorf("run %s: %w", run.ID, cause)
}

// cancelRun moves the run to cancelled.
func (e *Engine) cancelRun(run *models.PipelineRun, issue *models.Issue) error {
	now := time.Now().UTC()
	run.Status = models.RunCancelled
	run.CompletedAt = &now
	if err := e.storeRun(run); err != nil {
		e.log.Errorf("persist cancelled run %s: %v", run.ID, err)
	}
	e.publish(events.New(run.ID, events.PipelineCancelled{}))

	issue.Status = models.IssueReady
	issue.UpdatedAt = now
	if err := e.store.SaveIssue(context.Background(), issue); err != nil {
		e.log.Warnf("save issue %s: %v", issue.ID, err)
	}
	e.publish(events.New(run.ID, events.IssueUpdated{IssueID: issue.ID, Status: issue.Status}))
	e.log.Infof("run %s cancelled", run.ID)
	return context.Canceled
}

// storeRun persists run state outside the request context so terminal
// transitions survive cancellation.
func (e *Engine) storeRun(run *models.PipelineRun) error {
	return e.store.UpdateRun(context.Background(), run)
}

// phaseOutput folds a team's task outputs into one phase output.
func phaseOutput(out scheduler.Outcome) string {
	var sb strings.Builder
	for _, task := range out.Tasks {
		text, ok := out.Outputs[task.ID]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n%s\n", task.Name, text)
	}
	return strings.TrimSpace(sb.String())
}

func (e *Engine) publish(ev events.Event) {
	if err := e.sink.Publish(ev); err != nil {
		e.log.Warnf("publish %s: %v", ev.Type, err)
	}
}
