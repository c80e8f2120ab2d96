package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/harrison/foreman/internal/models"
)

// Blocker is one outstanding blocker signal awaiting acknowledgement.
type Blocker struct {
	TaskID string
	Reason string
}

// BlockerBoard tracks tasks halted on blocker signals. A task's agent waits
// on the board until an operator acknowledges the blocker (or the run is
// cancelled).
type BlockerBoard struct {
	mu      sync.Mutex
	pending map[string]chan struct{} // task ID -> acknowledgement
	reasons map[string]string
}

// NewBlockerBoard creates an empty board.
func NewBlockerBoard() *BlockerBoard {
	return &BlockerBoard{
		pending: make(map[string]chan struct{}),
		reasons: make(map[string]string),
	}
}

// Await registers the blocker and blocks until acknowledged or ctx is done.
// It satisfies the agent runner's blocker gate.
func (b *BlockerBoard) Await(ctx context.Context, task models.AgentTask, reason string) error {
	b.mu.Lock()
	ch, ok := b.pending[task.ID]
	if !ok {
		ch = make(chan struct{})
		b.pending[task.ID] = ch
		b.reasons[task.ID] = reason
	}
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.drop(task.ID)
		return ctx.Err()
	}
}

// Ack acknowledges a task's blocker, releasing the waiting agent.
func (b *BlockerBoard) Ack(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[taskID]
	if !ok {
		return fmt.Errorf("no blocker pending for task %s", taskID)
	}
	close(ch)
	delete(b.pending, taskID)
	delete(b.reasons, taskID)
	return nil
}

// Pending lists outstanding blockers in no particular order.
func (b *BlockerBoard) Pending() []Blocker {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Blocker, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, Blocker{TaskID: id, Reason: b.reasons[id]})
	}
	return out
}

func (b *BlockerBoard) drop(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[taskID]; ok {
		delete(b.pending, taskID)
		delete(b.reasons, taskID)
	}
}
