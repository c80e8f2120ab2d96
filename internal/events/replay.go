package events

import (
	"fmt"
	"sort"

	"github.com/harrison/foreman/internal/models"
)

// RunState is the state reconstructed from an event log: the run, its phases
// keyed by number, its teams keyed by phase number, and its tasks keyed by ID.
type RunState struct {
	Run    models.PipelineRun
	Phases map[int]*models.PipelinePhase
	Teams  map[int]*models.AgentTeam
	Tasks  map[string]*models.AgentTask

	// TaskEvents holds per-task output observations in stream order.
	TaskEvents map[string][]TaskOutput
}

// Replay folds an ordered event stream into final run state. Duplicate
// deliveries are dropped by event ID, so replaying an at-least-once log
// yields the same state as the original delivery.
func Replay(runID string, log []Event) (*RunState, error) {
	st := &RunState{
		Run:        models.PipelineRun{ID: runID, Status: models.RunQueued},
		Phases:     make(map[int]*models.PipelinePhase),
		Teams:      make(map[int]*models.AgentTeam),
		Tasks:      make(map[string]*models.AgentTask),
		TaskEvents: make(map[string][]TaskOutput),
	}

	seen := make(map[string]bool, len(log))
	for _, e := range log {
		if e.RunID != runID {
			continue
		}
		if e.ID != "" && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if err := st.apply(e); err != nil {
			return nil, fmt.Errorf("replay run %s: %w", runID, err)
		}
	}
	return st, nil
}

func (st *RunState) apply(e Event) error {
	switch p := e.Payload.(type) {
	case PipelineStarted:
		st.Run.IssueID = p.IssueID
		st.Run.PhaseCount = p.PhaseCount
		st.Run.Status = models.RunRunning
	case PipelineCompleted:
		st.Run.Status = models.RunCompleted
	case PipelineFailed:
		st.Run.Status = models.RunFailed
		st.Run.Error = p.Error
	case PipelineCancelled:
		st.Run.Status = models.RunCancelled
	case BranchCreated:
		st.Run.Branch = p.Branch
	case PRCreated:
		st.Run.PRNumber = p.Number

	case PhaseStarted:
		ph := st.phase(e.Phase)
		ph.Name = p.Name
		ph.Iteration = p.Iteration
		ph.Status = models.PhaseRunning
		if p.Iteration > 1 {
			st.Run.Iteration++
		}
		st.Run.CurrentPhase = e.Phase
	case PhaseCompleted:
		ph := st.phase(e.Phase)
		ph.Name = p.Name
		if p.Success {
			ph.Status = models.PhaseCompleted
		} else {
			ph.Status = models.PhaseFailed
		}
	case ReviewStarted:
		st.phase(e.Phase).Review = models.ReviewReviewing
	case ReviewCompleted:
		ph := st.phase(e.Phase)
		ph.FindingCount = p.Findings
		if p.Passed {
			ph.Review = models.ReviewPassed
		} else {
			ph.Review = models.ReviewFailed
		}

	case TeamCreated:
		st.Teams[e.Phase] = &models.AgentTeam{
			ID:          p.TeamID,
			RunID:       e.RunID,
			PhaseNumber: e.Phase,
			Strategy:    p.Strategy,
			Isolation:   p.Isolation,
			PlanSummary: p.Summary,
		}
		for _, id := range p.TaskIDs {
			st.task(id).TeamID = p.TeamID
		}

	case WaveStarted:
		for _, id := range p.TaskIDs {
			t := st.task(id)
			if !t.Status.Terminal() {
				t.Status = models.TaskPending
			}
			t.Wave = e.Wave
		}
	case WaveCompleted:
		// Counts only; task states arrive via per-task events.

	case TaskStarted:
		t := st.task(e.TaskID)
		t.Name = p.Name
		t.Role = p.Role
		t.Status = models.TaskRunning
		t.Wave = e.Wave
	case TaskCompleted:
		t := st.task(e.TaskID)
		if p.Success {
			t.Status = models.TaskCompleted
		} else if t.Status != models.TaskFailed {
			t.Status = models.TaskCancelled
		}
	case TaskFailed:
		t := st.task(e.TaskID)
		t.Status = models.TaskFailed
		t.Error = p.Error
	case TaskOutput:
		st.TaskEvents[e.TaskID] = append(st.TaskEvents[e.TaskID], p)

	case MergeStarted, MergeCompleted, MergeConflict, VerificationResult,
		PipelineProgress, PipelineError, IssueUpdated:
		// Informational for consumers; no state folded in.

	default:
		return fmt.Errorf("event %s: unhandled payload type %T", e.ID, e.Payload)
	}
	return nil
}

func (st *RunState) phase(number int) *models.PipelinePhase {
	ph, ok := st.Phases[number]
	if !ok {
		ph = &models.PipelinePhase{RunID: st.Run.ID, Number: number, Status: models.PhasePending}
		st.Phases[number] = ph
	}
	return ph
}

func (st *RunState) task(id string) *models.AgentTask {
	t, ok := st.Tasks[id]
	if !ok {
		t = &models.AgentTask{ID: id, Status: models.TaskPending}
		st.Tasks[id] = t
	}
	return t
}

// TaskIDs returns the reconstructed task IDs in sorted order.
func (st *RunState) TaskIDs() []string {
	ids := make([]string, 0, len(st.Tasks))
	for id := range st.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
