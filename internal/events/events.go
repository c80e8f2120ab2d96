// Package events defines the typed outbound event stream emitted by the
// orchestration core, the sink interface consumers implement, and a replayer
// that reconstructs run state from a finished event log.
//
// Sinks are injected per run rather than registered globally, so run
// lifecycles can be tested in isolation. Delivery is at-least-once per
// logical event; consumers deduplicate by event ID.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foreman/internal/models"
)

// Type identifies the kind of an outbound event.
type Type string

const (
	TypeIssueUpdated       Type = "issue_updated"
	TypePipelineStarted    Type = "pipeline_started"
	TypePipelineProgress   Type = "pipeline_progress"
	TypePipelineCompleted  Type = "pipeline_completed"
	TypePipelineFailed     Type = "pipeline_failed"
	TypePipelineCancelled  Type = "pipeline_cancelled"
	TypeBranchCreated      Type = "branch_created"
	TypePRCreated          Type = "pr_created"
	TypePhaseStarted       Type = "phase_started"
	TypePhaseCompleted     Type = "phase_completed"
	TypeReviewStarted      Type = "review_started"
	TypeReviewCompleted    Type = "review_completed"
	TypeTeamCreated        Type = "team_created"
	TypeWaveStarted        Type = "wave_started"
	TypeWaveCompleted      Type = "wave_completed"
	TypeTaskStarted        Type = "task_started"
	TypeTaskCompleted      Type = "task_completed"
	TypeTaskFailed         Type = "task_failed"
	TypeTaskOutput         Type = "task_output"
	TypeMergeStarted       Type = "merge_started"
	TypeMergeCompleted     Type = "merge_completed"
	TypeMergeConflict      Type = "merge_conflict"
	TypeVerificationResult Type = "verification_result"
	TypePipelineError      Type = "pipeline_error"
)

// Event is one record on the outbound stream. Every event carries enough
// identifiers for a consumer to reconstruct run state from the stream alone.
type Event struct {
	ID     string
	Type   Type
	RunID  string
	Phase  int // phase number, -1 when not applicable
	Wave   int // wave number, -1 when not applicable
	TaskID string
	Time   time.Time

	Payload Payload
}

// Payload is the closed set of per-type event payloads.
type Payload interface {
	eventType() Type
}

// Sink receives outbound events. Implementations must be safe for concurrent
// use; one writer per task plus the state machine publish into the same sink.
type Sink interface {
	Publish(e Event) error
}

// New constructs an event with a fresh ID, a creation timestamp, and the type
// derived from the payload. Phase and wave default to -1 (not applicable);
// callers set them with the With* helpers.
func New(runID string, p Payload) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    p.eventType(),
		RunID:   runID,
		Phase:   -1,
		Wave:    -1,
		Time:    time.Now().UTC(),
		Payload: p,
	}
}

// WithPhase returns a copy of e tagged with a phase number.
func (e Event) WithPhase(phase int) Event {
	e.Phase = phase
	return e
}

// WithWave returns a copy of e tagged with a wave number.
func (e Event) WithWave(wave int) Event {
	e.Wave = wave
	return e
}

// WithTask returns a copy of e tagged with a task ID.
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// IssueUpdated reports an issue moving between board columns.
type IssueUpdated struct {
	IssueID string             `json:"issue_id"`
	Status  models.IssueStatus `json:"status"`
}

// PipelineStarted reports a run beginning execution.
type PipelineStarted struct {
	IssueID    string `json:"issue_id"`
	PhaseCount int    `json:"phase_count"`
}

// PipelineProgress is an informational run-level progress message.
type PipelineProgress struct {
	Message string `json:"message"`
}

// PipelineCompleted reports a run reaching completed status.
type PipelineCompleted struct{}

// PipelineFailed reports a run reaching failed status.
type PipelineFailed struct {
	Error string `json:"error"`
}

// PipelineCancelled reports a run reaching cancelled status.
type PipelineCancelled struct{}

// BranchCreated reports the run's working branch being created.
type BranchCreated struct {
	Branch string `json:"branch"`
}

// PRCreated reports a pull request opened for the run's branch.
type PRCreated struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
}

// PhaseStarted reports a phase (or a retry of one) beginning.
type PhaseStarted struct {
	Name      string `json:"name"`
	Iteration int    `json:"iteration"`
}

// PhaseCompleted reports a phase reaching a terminal status.
type PhaseCompleted struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

// ReviewStarted reports a phase's review sub-step beginning.
type ReviewStarted struct{}

// ReviewCompleted reports a phase's review outcome.
type ReviewCompleted struct {
	Passed   bool `json:"passed"`
	Findings int  `json:"findings"`
}

// TeamCreated reports the planner's output for a phase.
type TeamCreated struct {
	TeamID    string                   `json:"team_id"`
	Strategy  models.ExecutionStrategy `json:"strategy"`
	Isolation models.IsolationStrategy `json:"isolation"`
	Summary   string                   `json:"summary"`
	TaskIDs   []string                 `json:"task_ids"`
}

// WaveStarted reports a wave's tasks being launched.
type WaveStarted struct {
	TaskIDs []string `json:"task_ids"`
}

// WaveCompleted reports a wave reaching terminal status on every task.
type WaveCompleted struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskStarted reports one agent task beginning execution.
type TaskStarted struct {
	Name string           `json:"name"`
	Role models.AgentRole `json:"role"`
}

// TaskCompleted reports one agent task finishing.
type TaskCompleted struct {
	Success bool `json:"success"`
}

// TaskFailed reports one agent task failing with an error.
type TaskFailed struct {
	Error string `json:"error"`
}

// TaskOutput carries one agent observation (thinking/action/output/signal).
type TaskOutput struct {
	Kind    models.EventKind   `json:"kind"`
	Content string             `json:"content,omitempty"`
	Action  *models.ActionPayload `json:"action,omitempty"`
	Signal  *models.SignalPayload `json:"signal,omitempty"`
}

// MergeStarted reports wave integration beginning.
type MergeStarted struct {
	Branch string `json:"branch"`
}

// MergeCompleted reports wave integration finishing.
type MergeCompleted struct {
	Conflicts bool `json:"conflicts"`
}

// MergeConflict reports a merge that produced file-level conflicts.
type MergeConflict struct {
	Branch string   `json:"branch"`
	Files  []string `json:"files"`
}

// VerificationResult reports one verification check's outcome.
type VerificationResult struct {
	Check    string   `json:"check"`
	Passed   bool     `json:"passed"`
	Summary  string   `json:"summary"`
	Evidence []string `json:"evidence,omitempty"`
}

// PipelineError is a generic error event carrying a human-readable message.
type PipelineError struct {
	Message string `json:"message"`
}

func (IssueUpdated) eventType() Type       { return TypeIssueUpdated }
func (PipelineStarted) eventType() Type    { return TypePipelineStarted }
func (PipelineProgress) eventType() Type   { return TypePipelineProgress }
func (PipelineCompleted) eventType() Type  { return TypePipelineCompleted }
func (PipelineFailed) eventType() Type     { return TypePipelineFailed }
func (PipelineCancelled) eventType() Type  { return TypePipelineCancelled }
func (BranchCreated) eventType() Type      { return TypeBranchCreated }
func (PRCreated) eventType() Type          { return TypePRCreated }
func (PhaseStarted) eventType() Type       { return TypePhaseStarted }
func (PhaseCompleted) eventType() Type     { return TypePhaseCompleted }
func (ReviewStarted) eventType() Type      { return TypeReviewStarted }
func (ReviewCompleted) eventType() Type    { return TypeReviewCompleted }
func (TeamCreated) eventType() Type        { return TypeTeamCreated }
func (WaveStarted) eventType() Type        { return TypeWaveStarted }
func (WaveCompleted) eventType() Type      { return TypeWaveCompleted }
func (TaskStarted) eventType() Type        { return TypeTaskStarted }
func (TaskCompleted) eventType() Type      { return TypeTaskCompleted }
func (TaskFailed) eventType() Type         { return TypeTaskFailed }
func (TaskOutput) eventType() Type         { return TypeTaskOutput }
func (MergeStarted) eventType() Type       { return TypeMergeStarted }
func (MergeCompleted) eventType() Type     { return TypeMergeCompleted }
func (MergeConflict) eventType() Type      { return TypeMergeConflict }
func (VerificationResult) eventType() Type { return TypeVerificationResult }
func (PipelineError) eventType() Type      { return TypePipelineError }
