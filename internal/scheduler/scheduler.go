// Package scheduler executes an agent team wave by wave: waves run strictly
// in ascending order, tasks within a wave run concurrently under a semaphore
// ceiling, and each wave's branches are integrated before the next wave
// starts. A task failure never cancels its running siblings; promotion to
// the next wave is what failure blocks.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/events"
	"github.com/harrison/foreman/internal/isolation"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/merge"
	"github.com/harrison/foreman/internal/models"
)

// WaveError reports a wave in which a required task failed, blocking
// promotion to the next wave.
type WaveError struct {
	Wave   int
	Failed []string // task IDs of failed required tasks
}

func (e *WaveError) Error() string {
	return fmt.Sprintf("wave %d: required task(s) failed: %s", e.Wave, strings.Join(e.Failed, ", "))
}

// AgentRunner drives one task to a terminal outcome.
type AgentRunner interface {
	Run(ctx context.Context, task models.AgentTask, h *isolation.Handle, emit agent.EmitFunc) (agent.Result, error)
}

// Merger integrates one wave's completed branches.
type Merger interface {
	IntegrateWave(ctx context.Context, tasks []models.AgentTask) (merge.Result, error)
}

// WaveResult is one wave's terminal tally.
type WaveResult struct {
	Wave      int
	Succeeded int
	Failed    int
	Merge     merge.Result
}

// Outcome reports every submitted task back with its terminal status. No
// task is dropped: the caller sees exactly the set it submitted.
type Outcome struct {
	Tasks []models.AgentTask
	Waves []WaveResult

	// Outputs holds each completed task's agent output, keyed by task ID.
	Outputs map[string]string

	// Conflict is true when integration stopped on a merge conflict. The
	// conflicting branch and files are on the last wave's Merge result.
	Conflict bool

	// Pivot is set when a task requested re-planning. The scheduler stops
	// after the current wave's merge; tasks in later waves stay pending for
	// the caller to re-plan.
	Pivot       bool
	PivotReason string
}

// Blocked reports whether the outcome prevents phase advancement.
func (o Outcome) Blocked() bool { return o.Conflict }

// Scheduler runs one team's waves. It is constructed per phase execution;
// the zero value is not usable.
type Scheduler struct {
	runner    AgentRunner
	isolation isolation.Manager
	merger    Merger
	sink      events.Sink
	maxTasks  int
	log       logger.Logger
}

// New creates a Scheduler. maxTasks bounds in-flight tasks per wave; values
// below 1 mean no ceiling beyond the wave's own size.
func New(runner AgentRunner, iso isolation.Manager, merger Merger, sink events.Sink, maxTasks int, log logger.Logger) *Scheduler {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Scheduler{
		runner:    runner,
		isolation: iso,
		merger:    merger,
		sink:      sink,
		maxTasks:  maxTasks,
		log:       logger.OrNop(log),
	}
}

// taskOutcome carries one goroutine's result back to the wave loop.
type taskOutcome struct {
	idx    int
	output string
	pivot  bool
	why    string
}

// Run executes the team's tasks wave by wave and returns every task with a
// terminal (or, after a pivot, pending) status. The returned error is a
// *WaveError when a required task failed, or ctx.Err() on cancellation;
// merge conflicts are reported on the Outcome, not as errors.
func (s *Scheduler) Run(ctx context.Context, runID string, phase int, tasks []models.AgentTask) (Outcome, error) {
	out := Outcome{
		Tasks:   make([]models.AgentTask, len(tasks)),
		Outputs: make(map[string]string),
	}
	copy(out.Tasks, tasks)

	for _, wave := range waveOrder(out.Tasks) {
		if err := ctx.Err(); err != nil {
			s.cancelRemaining(out.Tasks)
			return out, err
		}

		waveNum := out.Tasks[wave[0]].Wave
		wr, pivotReason, err := s.runWave(ctx, runID, phase, waveNum, wave, out.Tasks, out.Outputs)
		out.Waves = append(out.Waves, wr)
		if err != nil {
			s.cancelRemaining(out.Tasks)
			return out, err
		}

		mr, merr := s.integrate(ctx, runID, phase, wr.Wave, wave, out.Tasks)
		out.Waves[len(out.Waves)-1].Merge = mr
		if merr != nil {
			return out, merr
		}
		if mr.Conflicts {
			out.Conflict = true
			return out, nil
		}

		if failed := requiredFailures(wave, out.Tasks); len(failed) > 0 {
			return out, &WaveError{Wave: wr.Wave, Failed: failed}
		}

		if pivotReason != "" {
			out.Pivot = true
			out.PivotReason = pivotReason
			s.log.Infof("run %s: pivot requested after wave %d: %s", runID, wr.Wave, pivotReason)
			return out, nil
		}
	}

	return out, nil
}

// runWave launches every task in the wave under the semaphore and waits for
// all of them to reach a terminal status.
func (s *Scheduler) runWave(ctx context.Context, runID string, phase, waveNum int, wave []int, tasks []models.AgentTask, outputs map[string]string) (WaveResult, string, error) {
	wr := WaveResult{Wave: waveNum}

	ids := make([]string, len(wave))
	for i, idx := range wave {
		ids[i] = tasks[idx].ID
	}
	s.publish(events.New(runID, events.WaveStarted{TaskIDs: ids}).WithPhase(phase).WithWave(waveNum))
	s.log.Infof("run %s: wave %d starting with %d task(s)", runID, waveNum, len(wave))

	ceiling := s.maxTasks
	if ceiling <= 0 || ceiling > len(wave) {
		ceiling = len(wave)
	}
	semaphore := make(chan struct{}, ceiling)
	results := make(chan taskOutcome, len(wave))

	var wg sync.WaitGroup

launch:
	for _, idx := range wave {
		select {
		case <-ctx.Done():
			break launch
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results <- s.runTask(ctx, runID, phase, waveNum, idx, &tasks[idx])
		}(idx)
	}

	wg.Wait()
	close(results)

	var pivotReason string
	for res := range results {
		if res.output != "" {
			outputs[tasks[res.idx].ID] = res.output
		}
		if res.pivot && pivotReason == "" {
			pivotReason = res.why
		}
	}

	for _, idx := range wave {
		switch tasks[idx].Status {
		case models.TaskCompleted:
			wr.Succeeded++
		case models.TaskFailed:
			wr.Failed++
		case models.TaskPending:
			// Never launched: the wave was cancelled mid-flight.
			tasks[idx].Status = models.TaskCancelled
		}
	}

	s.publish(events.New(runID, events.WaveCompleted{Succeeded: wr.Succeeded, Failed: wr.Failed}).
		WithPhase(phase).WithWave(waveNum))

	if err := ctx.Err(); err != nil {
		return wr, "", err
	}
	return wr, pivotReason, nil
}

// runTask owns one task's full lifecycle: workspace acquisition, agent
// execution, status transition, and event emission. It is the only writer
// of tasks[idx] while the wave runs.
func (s *Scheduler) runTask(ctx context.Context, runID string, phase, wave, idx int, task *models.AgentTask) taskOutcome {
	now := time.Now().UTC()
	task.Status = models.TaskRunning
	task.StartedAt = &now
	s.publish(events.New(runID, events.TaskStarted{Name: task.Name, Role: task.Role}).
		WithPhase(phase).WithWave(wave).WithTask(task.ID))

	handle, err := s.isolation.Acquire(ctx, *task)
	if err != nil {
		s.fail(runID, phase, wave, task, fmt.Errorf("acquire workspace: %w", err))
		return taskOutcome{idx: idx}
	}
	task.WorktreePath = handle.WorktreePath
	task.ContainerID = handle.ContainerID
	task.Branch = handle.Branch

	emit := func(ev models.AgentEvent) error {
		return s.sink.Publish(events.New(runID, events.TaskOutput{
			Kind:    ev.Kind,
			Content: ev.Content,
			Action:  ev.Payload.Action,
			Signal:  ev.Payload.Signal,
		}).WithPhase(phase).WithWave(wave).WithTask(task.ID))
	}

	res, runErr := s.runner.Run(ctx, *task, handle, emit)
	s.release(ctx, handle)

	done := time.Now().UTC()
	task.CompletedAt = &done

	switch {
	case runErr == nil:
		task.Status = models.TaskCompleted
		s.publish(events.New(runID, events.TaskCompleted{Success: true}).
			WithPhase(phase).WithWave(wave).WithTask(task.ID))
		return taskOutcome{idx: idx, output: res.Output, pivot: res.Pivot, why: res.PivotReason}

	case ctx.Err() != nil:
		// Cancelled at a safe point, not failed.
		task.Status = models.TaskCancelled
		task.Branch = ""
		s.log.Infof("task %s cancelled", task.ID)
		return taskOutcome{idx: idx}

	default:
		task.Branch = ""
		s.fail(runID, phase, wave, task, runErr)
		return taskOutcome{idx: idx}
	}
}

func (s *Scheduler) fail(runID string, phase, wave int, task *models.AgentTask, err error) {
	task.Status = models.TaskFailed
	task.Error = err.Error()
	if task.CompletedAt == nil {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	s.log.Warnf("task %s failed: %v", task.ID, err)
	s.publish(events.New(runID, events.TaskFailed{Error: err.Error()}).
		WithPhase(phase).WithWave(wave).WithTask(task.ID))
}

// release tears the workspace down even when the run context is already
// cancelled; a bounded fresh context keeps cleanup from hanging.
func (s *Scheduler) release(ctx context.Context, h *isolation.Handle) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := s.isolation.Release(relCtx, h); err != nil {
		s.log.Warnf("release workspace for task %s: %v", h.TaskID, err)
	}
}

// integrate runs the wave's merge step and publishes its events.
func (s *Scheduler) integrate(ctx context.Context, runID string, phase, waveNum int, wave []int, tasks []models.AgentTask) (merge.Result, error) {
	completed := make([]models.AgentTask, 0, len(wave))
	for _, idx := range wave {
		if tasks[idx].Status == models.TaskCompleted && tasks[idx].Branch != "" {
			completed = append(completed, tasks[idx])
		}
	}
	if len(completed) == 0 || s.merger == nil {
		return merge.Result{}, nil
	}

	s.publish(events.New(runID, events.MergeStarted{Branch: completed[0].Branch}).
		WithPhase(phase).WithWave(waveNum))

	res, err := s.merger.IntegrateWave(ctx, completed)
	if err != nil {
		return res, fmt.Errorf("integrate wave %d: %w", waveNum, err)
	}

	s.publish(events.New(runID, events.MergeCompleted{Conflicts: res.Conflicts}).
		WithPhase(phase).WithWave(waveNum))
	if res.Conflicts {
		s.publish(events.New(runID, events.MergeConflict{Branch: res.ConflictBranch, Files: res.ConflictFiles}).
			WithPhase(phase).WithWave(waveNum))
	}
	return res, nil
}

// cancelRemaining marks every non-terminal task cancelled so the outcome
// accounts for the full submitted set.
func (s *Scheduler) cancelRemaining(tasks []models.AgentTask) {
	for i := range tasks {
		if !tasks[i].Status.Terminal() {
			tasks[i].Status = models.TaskCancelled
		}
	}
}

// requiredFailures returns the wave's failed non-optional task IDs.
func requiredFailures(wave []int, tasks []models.AgentTask) []string {
	var failed []string
	for _, idx := range wave {
		if tasks[idx].Status == models.TaskFailed && !tasks[idx].Optional {
			failed = append(failed, tasks[idx].ID)
		}
	}
	sort.Strings(failed)
	return failed
}

func (s *Scheduler) publish(e events.Event) {
	if err := s.sink.Publish(e); err != nil {
		s.log.Warnf("publish %s: %v", e.Type, err)
	}
}

// waveOrder groups task indices by wave number in ascending order,
// preserving declaration order within a wave.
func waveOrder(tasks []models.AgentTask) [][]int {
	byWave := make(map[int][]int)
	var nums []int
	for i, task := range tasks {
		if _, ok := byWave[task.Wave]; !ok {
			nums = append(nums, task.Wave)
		}
		byWave[task.Wave] = append(byWave[task.Wave], i)
	}
	sort.Ints(nums)

	order := make([][]int, 0, len(nums))
	for _, n := range nums {
		order = append(order, byWave[n])
	}
	return order
}
