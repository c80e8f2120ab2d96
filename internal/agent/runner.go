package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foreman/internal/isolation"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
)

// RunnerError is a typed agent execution fault. It fails the task; sibling
// tasks in the same wave are unaffected.
type RunnerError struct {
	TaskID string
	Err    error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("agent runner for task %s: %v", e.TaskID, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// EmitFunc receives each AgentEvent in arrival order. Returning an error
// aborts the task; the event log must not silently drop observations.
type EmitFunc func(models.AgentEvent) error

// BlockerGate is consulted when a task emits a blocker signal. It blocks
// until the blocker is acknowledged or ctx is done.
type BlockerGate func(ctx context.Context, task models.AgentTask, reason string) error

// Result summarizes one completed task execution.
type Result struct {
	// Output accumulates the agent's text chunks.
	Output string

	// Pivot is set when the task signalled a re-plan request; the scheduler
	// decides what to do with it.
	Pivot       bool
	PivotReason string

	// Events is the number of observations published.
	Events int
}

// Runner drives one AgentTask through the agent CLI. Each Runner.Run call is
// an independent unit of concurrent work; the Runner itself is stateless and
// safe for concurrent use.
type Runner struct {
	invoker Invoker
	gate    BlockerGate
	log     logger.Logger
}

// NewRunner creates a Runner. The gate may be nil, in which case blocker
// signals fail the task rather than deadlocking it.
func NewRunner(invoker Invoker, gate BlockerGate, log logger.Logger) *Runner {
	return &Runner{invoker: invoker, gate: gate, log: logger.OrNop(log)}
}

// Run executes the task inside its workspace handle, publishing one
// AgentEvent per stream chunk. Cancellation is cooperative: the context is
// checked between chunks, and a cancelled run returns ctx.Err() so the
// caller marks the task cancelled, not failed.
func (r *Runner) Run(ctx context.Context, task models.AgentTask, h *isolation.Handle, emit EmitFunc) (Result, error) {
	var res Result

	req := buildRequest(task, h.WorktreePath, h.ContainerID)
	stream, err := r.invoker.Start(ctx, req)
	if err != nil {
		return res, &RunnerError{TaskID: task.ID, Err: err}
	}
	defer stream.Close()

	var output strings.Builder
	var agentErr error

	for {
		// Safe point: between chunks.
		if err := ctx.Err(); err != nil {
			return res, err
		}

		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, &RunnerError{TaskID: task.ID, Err: err}
		}

		event, perr := r.toEvent(task.ID, chunk)
		if perr != nil {
			r.log.Warnf("task %s: dropping malformed chunk: %v", task.ID, perr)
			continue
		}
		if err := emit(event); err != nil {
			return res, &RunnerError{TaskID: task.ID, Err: fmt.Errorf("publish event: %w", err)}
		}
		res.Events++

		switch chunk.Type {
		case "text", "result":
			output.WriteString(chunk.Content)
			output.WriteString("\n")
		case "error":
			agentErr = errors.New(chunk.Content)
		case "signal":
			switch models.SignalKind(chunk.Signal) {
			case models.SignalBlocker:
				if err := r.awaitBlocker(ctx, task, chunk.Reason); err != nil {
					return res, err
				}
			case models.SignalPivot:
				res.Pivot = true
				res.PivotReason = chunk.Reason
			}
		}
	}

	res.Output = strings.TrimSpace(output.String())
	if agentErr != nil {
		return res, &RunnerError{TaskID: task.ID, Err: agentErr}
	}
	return res, nil
}

// awaitBlocker halts task progress until the blocker is acknowledged.
func (r *Runner) awaitBlocker(ctx context.Context, task models.AgentTask, reason string) error {
	if r.gate == nil {
		return &RunnerError{TaskID: task.ID, Err: fmt.Errorf("blocker signal %q with no gate configured", reason)}
	}
	r.log.Infof("task %s blocked: %s", task.ID, reason)
	if err := r.gate(ctx, task, reason); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RunnerError{TaskID: task.ID, Err: fmt.Errorf("blocker not resolved: %w", err)}
	}
	return nil
}

// toEvent maps one stream chunk to an AgentEvent.
func (r *Runner) toEvent(taskID string, chunk Chunk) (models.AgentEvent, error) {
	e := models.AgentEvent{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   chunk.Content,
		CreatedAt: time.Now().UTC(),
	}

	switch chunk.Type {
	case "thinking":
		e.Kind = models.EventThinking
	case "text", "result":
		e.Kind = models.EventOutput
	case "tool_use":
		e.Kind = models.EventAction
		e.Payload.Action = &models.ActionPayload{Tool: chunk.Tool, Target: chunk.Target}
	case "error":
		e.Kind = models.EventError
	case "signal":
		kind := models.SignalKind(chunk.Signal)
		if !models.ValidSignal(kind) {
			return e, fmt.Errorf("unknown signal kind %q", chunk.Signal)
		}
		e.Kind = models.EventSignal
		e.Payload.Signal = &models.SignalPayload{Kind: kind, Reason: chunk.Reason}
	default:
		return e, fmt.Errorf("unknown chunk type %q", chunk.Type)
	}

	return e, e.Validate()
}
