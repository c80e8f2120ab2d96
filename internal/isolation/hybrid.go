package isolation

import (
	"context"

	"github.com/harrison/foreman/internal/models"
)

// hybridManager combines both species: a worktree holds the git state the
// task manipulates, and a container mounting that worktree executes the
// agent.
type hybridManager struct {
	worktrees  *worktreeManager
	containers *containerManager
}

// Acquire allocates the worktree first, then starts a container with the
// worktree mounted at /workspace. If the container fails to start the
// worktree is released so nothing leaks.
func (m *hybridManager) Acquire(ctx context.Context, task models.AgentTask) (*Handle, error) {
	wt, err := m.worktrees.Acquire(ctx, task)
	if err != nil {
		return nil, err
	}

	opts := m.containers.opts
	id, runErr := opts.Runner.Run(ctx, opts.RepoDir,
		"docker", "run", "-d", "--label", "foreman.task="+task.ID,
		"-v", wt.WorktreePath+":/workspace",
		opts.ContainerImage, "sleep", "infinity")
	if runErr != nil {
		if relErr := m.worktrees.Release(ctx, wt); relErr != nil {
			opts.Logger.Warnf("release worktree after container failure: %v", relErr)
		}
		return nil, &Error{TaskID: task.ID, Op: "acquire", Err: runErr}
	}

	return &Handle{
		TaskID:       task.ID,
		Strategy:     models.IsolationHybrid,
		Branch:       wt.Branch,
		WorktreePath: wt.WorktreePath,
		ContainerID:  id,
	}, nil
}

// Release tears down the container, then the worktree. Both are attempted
// even if the first fails; the first error is reported.
func (m *hybridManager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	ctrErr := m.containers.Release(ctx, &Handle{TaskID: h.TaskID, ContainerID: h.ContainerID})
	wtErr := m.worktrees.Release(ctx, &Handle{TaskID: h.TaskID, WorktreePath: h.WorktreePath})
	if ctrErr != nil {
		return ctrErr
	}
	return wtErr
}
