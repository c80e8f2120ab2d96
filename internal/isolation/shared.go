package isolation

import (
	"context"

	"github.com/harrison/foreman/internal/models"
)

// sharedManager hands out the repository checkout itself. Permitted only for
// single-task teams (enforced by NewManager), since two tasks sharing a
// mutable workspace would race.
type sharedManager struct {
	opts Options
}

// Acquire checks out a fresh task branch directly in the repository.
func (m *sharedManager) Acquire(ctx context.Context, task models.AgentTask) (*Handle, error) {
	branch := taskBranch(task.ID)
	if _, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"git", "checkout", "-b", branch, m.opts.BaseBranch); err != nil {
		return nil, &Error{TaskID: task.ID, Op: "acquire", Err: err}
	}
	return &Handle{
		TaskID:       task.ID,
		Strategy:     models.IsolationShared,
		Branch:       branch,
		WorktreePath: m.opts.RepoDir,
	}, nil
}

// Release returns the repository to the base branch; the task branch is kept
// for merging.
func (m *sharedManager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if _, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"git", "checkout", m.opts.BaseBranch); err != nil {
		return &Error{TaskID: h.TaskID, Op: "release", Err: err}
	}
	return nil
}
