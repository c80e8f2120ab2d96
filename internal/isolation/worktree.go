package isolation

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/harrison/foreman/internal/filelock"
	"github.com/harrison/foreman/internal/models"
)

// worktreeManager allocates one git worktree plus a fresh task branch per
// acquisition. Allocation is serialized through a file lock because git
// mutates shared repository state (refs, worktree metadata) on add/remove.
type worktreeManager struct {
	opts Options
	lock *filelock.FileLock
}

func newWorktreeManager(opts Options) (*worktreeManager, error) {
	root := opts.WorktreeRoot
	if root == "" {
		root = filepath.Join(opts.RepoDir, ".foreman", "worktrees")
	}
	opts.WorktreeRoot = root

	lock, err := filelock.New(filepath.Join(root, ".alloc.lock"))
	if err != nil {
		return nil, fmt.Errorf("worktree manager: %w", err)
	}
	return &worktreeManager{opts: opts, lock: lock}, nil
}

// Acquire creates branch foreman/task-<id> from the base branch and checks it
// out into a fresh worktree under the worktree root.
func (m *worktreeManager) Acquire(ctx context.Context, task models.AgentTask) (*Handle, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return nil, &Error{TaskID: task.ID, Op: "acquire", Err: err}
	}
	defer m.lock.Unlock()

	branch := taskBranch(task.ID)
	path := filepath.Join(m.opts.WorktreeRoot, task.ID)

	_, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"git", "worktree", "add", "-b", branch, path, m.opts.BaseBranch)
	if err != nil {
		return nil, &Error{TaskID: task.ID, Op: "acquire", Err: err}
	}

	m.opts.Logger.Debugf("worktree %s on branch %s for task %s", path, branch, task.ID)
	return &Handle{
		TaskID:       task.ID,
		Strategy:     models.IsolationWorktree,
		Branch:       branch,
		WorktreePath: path,
	}, nil
}

// Release removes the worktree. The task branch is kept: the merge
// coordinator still needs it to integrate the task's changes.
func (m *worktreeManager) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.WorktreePath == "" {
		return nil
	}
	if err := m.lock.Lock(ctx); err != nil {
		return &Error{TaskID: h.TaskID, Op: "release", Err: err}
	}
	defer m.lock.Unlock()

	_, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"git", "worktree", "remove", "--force", h.WorktreePath)
	if err != nil {
		return &Error{TaskID: h.TaskID, Op: "release", Err: err}
	}
	return nil
}
