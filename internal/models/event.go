package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies one observation from a running agent task.
type EventKind string

const (
	EventThinking EventKind = "thinking"
	EventAction   EventKind = "action"
	EventOutput   EventKind = "output"
	EventSignal   EventKind = "signal"
	EventError    EventKind = "error"
)

// SignalKind classifies out-of-band notifications emitted by a task.
type SignalKind string

const (
	// SignalProgress is informational only.
	SignalProgress SignalKind = "progress"
	// SignalBlocker halts task progress awaiting operator or planner input.
	SignalBlocker SignalKind = "blocker"
	// SignalPivot requests the scheduler to re-plan remaining waves.
	SignalPivot SignalKind = "pivot"
)

// ValidSignal reports whether k is a known signal kind.
func ValidSignal(k SignalKind) bool {
	return k == SignalProgress || k == SignalBlocker || k == SignalPivot
}

// ActionPayload describes a tool invocation observed in an action event.
type ActionPayload struct {
	Tool   string `json:"tool"`
	Target string `json:"target,omitempty"` // file path, URL, or command the tool acted on
}

// SignalPayload carries the structured content of a signal event.
type SignalPayload struct {
	Kind   SignalKind `json:"kind"`
	Reason string     `json:"reason,omitempty"`
}

// EventPayload is a closed tagged variant: at most one structured field is
// set, matching the event's kind. Raw is a fallback for unstructured
// diagnostic data only.
type EventPayload struct {
	Action *ActionPayload  `json:"action,omitempty"`
	Signal *SignalPayload  `json:"signal,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// AgentEvent is an immutable, append-only record of one observation from a
// running task. Events are ordered by creation time per task and never
// mutated after creation.
type AgentEvent struct {
	ID        string
	TaskID    string
	Kind      EventKind
	Content   string
	Payload   EventPayload
	CreatedAt time.Time
}

// Validate checks kind/payload consistency.
func (e *AgentEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("agent event ID is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("agent event task ID is required")
	}
	switch e.Kind {
	case EventThinking, EventOutput, EventError:
		if e.Payload.Action != nil || e.Payload.Signal != nil {
			return fmt.Errorf("event %s: %s events carry no structured payload", e.ID, e.Kind)
		}
	case EventAction:
		if e.Payload.Signal != nil {
			return fmt.Errorf("event %s: action events cannot carry a signal payload", e.ID)
		}
	case EventSignal:
		if e.Payload.Signal == nil {
			return fmt.Errorf("event %s: signal events require a signal payload", e.ID)
		}
		if !ValidSignal(e.Payload.Signal.Kind) {
			return fmt.Errorf("event %s: unknown signal kind %q", e.ID, e.Payload.Signal.Kind)
		}
	default:
		return fmt.Errorf("event %s: unknown event kind %q", e.ID, e.Kind)
	}
	return nil
}
