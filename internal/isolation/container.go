package isolation

import (
	"context"

	"github.com/harrison/foreman/internal/models"
)

// containerManager starts one container per acquisition with the repository
// copied in, so agent execution cannot touch the host checkout.
type containerManager struct {
	opts Options
}

// Acquire starts a container from the configured image and copies the
// repository into /workspace. A task branch is created inside the container
// so its git state stays self-contained.
func (m *containerManager) Acquire(ctx context.Context, task models.AgentTask) (*Handle, error) {
	id, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"docker", "run", "-d", "--label", "foreman.task="+task.ID,
		m.opts.ContainerImage, "sleep", "infinity")
	if err != nil {
		return nil, &Error{TaskID: task.ID, Op: "acquire", Err: err}
	}

	if _, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"docker", "cp", m.opts.RepoDir+"/.", id+":/workspace"); err != nil {
		// Copy failed: tear the container down before reporting.
		_, _ = m.opts.Runner.Run(ctx, m.opts.RepoDir, "docker", "rm", "-f", id)
		return nil, &Error{TaskID: task.ID, Op: "acquire", Err: err}
	}

	branch := taskBranch(task.ID)
	if _, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"docker", "exec", "-w", "/workspace", id,
		"git", "checkout", "-b", branch, m.opts.BaseBranch); err != nil {
		_, _ = m.opts.Runner.Run(ctx, m.opts.RepoDir, "docker", "rm", "-f", id)
		return nil, &Error{TaskID: task.ID, Op: "acquire", Err: err}
	}

	m.opts.Logger.Debugf("container %s for task %s", id, task.ID)
	return &Handle{
		TaskID:      task.ID,
		Strategy:    models.IsolationContainer,
		Branch:      branch,
		ContainerID: id,
	}, nil
}

// Release force-removes the container.
func (m *containerManager) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.ContainerID == "" {
		return nil
	}
	if _, err := m.opts.Runner.Run(ctx, m.opts.RepoDir,
		"docker", "rm", "-f", h.ContainerID); err != nil {
		return &Error{TaskID: h.TaskID, Op: "release", Err: err}
	}
	return nil
}
