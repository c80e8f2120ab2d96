// Package models defines the core domain entities for pipeline orchestration:
// issues, pipeline runs, phases, agent teams, tasks, and agent events.
package models

import (
	"errors"
	"time"
)

// IssueStatus tracks an issue through its board columns.
type IssueStatus string

const (
	IssueBacklog    IssueStatus = "backlog"
	IssueReady      IssueStatus = "ready"
	IssueInProgress IssueStatus = "in_progress"
	IssueInReview   IssueStatus = "in_review"
	IssueDone       IssueStatus = "done"
)

// Issue is a unit of requested work that a pipeline run resolves.
type Issue struct {
	ID          string
	Title       string
	Body        string // Markdown description of the requested change
	Status      IssueStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal returns true once the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// PipelineRun is one execution attempt resolving one issue.
// Status and phase cursor are mutated only by the pipeline state machine.
type PipelineRun struct {
	ID           string
	IssueID      string
	Status       RunStatus
	PhaseCount   int
	CurrentPhase int // index of the phase currently executing, 0-based
	Iteration    int // total phase re-runs across the whole run
	Branch       string // working branch merges land on, empty until created
	PRNumber     int    // pull request number, 0 until created
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Validate checks that the run has the fields required before execution.
func (r *PipelineRun) Validate() error {
	if r.ID == "" {
		return errors.New("run ID is required")
	}
	if r.IssueID == "" {
		return errors.New("run issue ID is required")
	}
	if r.PhaseCount <= 0 {
		return errors.New("run must have at least one phase")
	}
	return nil
}

// PhaseStatus represents the current state of a pipeline phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseCancelled PhaseStatus = "cancelled"
)

// ReviewOutcome tracks the review sub-step of a phase that requires one.
type ReviewOutcome string

const (
	ReviewPending   ReviewOutcome = "pending"
	ReviewReviewing ReviewOutcome = "reviewing"
	ReviewPassed    ReviewOutcome = "passed"
	ReviewFailed    ReviewOutcome = "failed"
)

// PhaseBudget bounds the resources one phase may consume.
type PhaseBudget struct {
	MaxTasks    int           // maximum tasks the planner may produce, 0 = unlimited
	MaxDuration time.Duration // wall-clock ceiling for the phase, 0 = unlimited
}

// PipelinePhase is one unit of sequential work within a run.
type PipelinePhase struct {
	RunID         string
	Number        int // position within the run, 0-based
	Name          string
	Status        PhaseStatus
	Iteration     int // 1 on first attempt, incremented per retry
	MaxIterations int // retry budget, attempts allowed before the run fails
	RequiresTeam  bool
	RequiresReview bool
	Budget        PhaseBudget
	Review        ReviewOutcome
	FindingCount  int
	Error         string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// RetryBudgetLeft reports whether the phase may be re-run after a failure.
func (p *PipelinePhase) RetryBudgetLeft() bool {
	return p.Iteration < p.MaxIterations
}
