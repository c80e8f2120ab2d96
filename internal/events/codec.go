package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire form of an Event: a flat header plus the payload as a
// nested object keyed by the event type.
type envelope struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	RunID   string          `json:"run_id"`
	Phase   int             `json:"phase"`
	Wave    int             `json:"wave"`
	TaskID  string          `json:"task_id,omitempty"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event as an envelope with its typed payload.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(envelope{
		ID:      e.ID,
		Type:    e.Type,
		RunID:   e.RunID,
		Phase:   e.Phase,
		Wave:    e.Wave,
		TaskID:  e.TaskID,
		Time:    e.Time,
		Payload: raw,
	})
}

// UnmarshalJSON decodes an envelope, selecting the payload type from the
// event type. Unknown types are rejected rather than silently dropped.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	payload, err := emptyPayload(env.Type)
	if err != nil {
		return err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
	}

	e.ID = env.ID
	e.Type = env.Type
	e.RunID = env.RunID
	e.Phase = env.Phase
	e.Wave = env.Wave
	e.TaskID = env.TaskID
	e.Time = env.Time
	e.Payload = deref(payload)
	return nil
}

// emptyPayload returns a pointer to a zero payload value for the given type.
func emptyPayload(t Type) (Payload, error) {
	switch t {
	case TypeIssueUpdated:
		return &IssueUpdated{}, nil
	case TypePipelineStarted:
		return &PipelineStarted{}, nil
	case TypePipelineProgress:
		return &PipelineProgress{}, nil
	case TypePipelineCompleted:
		return &PipelineCompleted{}, nil
	case TypePipelineFailed:
		return &PipelineFailed{}, nil
	case TypePipelineCancelled:
		return &PipelineCancelled{}, nil
	case TypeBranchCreated:
		return &BranchCreated{}, nil
	case TypePRCreated:
		return &PRCreated{}, nil
	case TypePhaseStarted:
		return &PhaseStarted{}, nil
	case TypePhaseCompleted:
		return &PhaseCompleted{}, nil
	case TypeReviewStarted:
		return &ReviewStarted{}, nil
	case TypeReviewCompleted:
		return &ReviewCompleted{}, nil
	case TypeTeamCreated:
		return &TeamCreated{}, nil
	case TypeWaveStarted:
		return &WaveStarted{}, nil
	case TypeWaveCompleted:
		return &WaveCompleted{}, nil
	case TypeTaskStarted:
		return &TaskStarted{}, nil
	case TypeTaskCompleted:
		return &TaskCompleted{}, nil
	case TypeTaskFailed:
		return &TaskFailed{}, nil
	case TypeTaskOutput:
		return &TaskOutput{}, nil
	case TypeMergeStarted:
		return &MergeStarted{}, nil
	case TypeMergeCompleted:
		return &MergeCompleted{}, nil
	case TypeMergeConflict:
		return &MergeConflict{}, nil
	case TypeVerificationResult:
		return &VerificationResult{}, nil
	case TypePipelineError:
		return &PipelineError{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

// deref converts the pointer produced by emptyPayload back to the value form
// used throughout the package, keeping Payload values comparable in tests.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *IssueUpdated:
		return *v
	case *PipelineStarted:
		return *v
	case *PipelineProgress:
		return *v
	case *PipelineCompleted:
		return *v
	case *PipelineFailed:
		return *v
	case *PipelineCancelled:
		return *v
	case *BranchCreated:
		return *v
	case *PRCreated:
		return *v
	case *PhaseStarted:
		return *v
	case *PhaseCompleted:
		return *v
	case *ReviewStarted:
		return *v
	case *ReviewCompleted:
		return *v
	case *TeamCreated:
		return *v
	case *WaveStarted:
		return *v
	case *WaveCompleted:
		return *v
	case *TaskStarted:
		return *v
	case *TaskCompleted:
		return *v
	case *TaskFailed:
		return *v
	case *TaskOutput:
		return *v
	case *MergeStarted:
		return *v
	case *MergeCompleted:
		return *v
	case *MergeConflict:
		return *v
	case *VerificationResult:
		return *v
	case *PipelineError:
		return *v
	default:
		return p
	}
}
