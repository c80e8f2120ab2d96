package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
)

// Result reports one wave's integration outcome. A conflict is a data
// condition, not an error: the scheduler blocks phase advancement on it.
type Result struct {
	// Merged lists the task branches integrated, in merge order.
	Merged []string

	// Conflicts is true when integration stopped on a conflicting branch.
	Conflicts bool

	// ConflictBranch and ConflictFiles identify the first conflict.
	ConflictBranch string
	ConflictFiles  []string
}

// Coordinator serializes merges into one run's working branch. Only the
// coordinator mutates that branch; tasks only ever commit to their own.
type Coordinator struct {
	git       Git
	runBranch string
	log       logger.Logger

	// mu serializes IntegrateWave per run; waves are sequential in the
	// scheduler already, but re-plans may overlap a late straggler.
	mu sync.Mutex
}

// NewCoordinator creates a Coordinator integrating into runBranch.
func NewCoordinator(git Git, runBranch string, log logger.Logger) *Coordinator {
	return &Coordinator{git: git, runBranch: runBranch, log: logger.OrNop(log)}
}

// IntegrateWave merges the completed tasks' branches into the run branch in
// ascending task-ID order, regardless of completion order, so re-running the
// same wave yields the same branch sequence. Tasks without a branch (nothing
// committed) are skipped. Integration stops at the first conflict; the
// failed merge is aborted so the tree stays clean.
func (c *Coordinator) IntegrateWave(ctx context.Context, tasks []models.AgentTask) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result

	ordered := make([]models.AgentTask, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	if err := c.git.Checkout(ctx, c.runBranch); err != nil {
		return res, fmt.Errorf("checkout run branch %s: %w", c.runBranch, err)
	}

	for _, task := range ordered {
		if task.Status != models.TaskCompleted || task.Branch == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		conflict, files, err := c.git.Merge(ctx, task.Branch)
		if err != nil {
			return res, fmt.Errorf("merge %s into %s: %w", task.Branch, c.runBranch, err)
		}
		if conflict {
			if abortErr := c.git.AbortMerge(ctx); abortErr != nil {
				c.log.Warnf("abort conflicted merge of %s: %v", task.Branch, abortErr)
			}
			res.Conflicts = true
			res.ConflictBranch = task.Branch
			res.ConflictFiles = files
			c.log.Warnf("merge conflict on %s: %d file(s)", task.Branch, len(files))
			return res, nil
		}

		res.Merged = append(res.Merged, task.Branch)
		c.log.Debugf("merged %s into %s", task.Branch, c.runBranch)

		// Fully integrated task branches are cleaned up; failure to delete
		// is cosmetic.
		if err := c.git.DeleteBranch(ctx, task.Branch); err != nil {
			c.log.Warnf("delete merged branch %s: %v", task.Branch, err)
		}
	}

	return res, nil
}
