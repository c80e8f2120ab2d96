// Package isolation allocates and tears down isolated workspaces for agent
// tasks: git worktrees, containers, a combination of both, or a shared
// checkout for single-task teams.
//
// A strategy is selected once per team and exposed behind the one Manager
// interface; no other component branches on the strategy.
package isolation

import (
	"context"
	"fmt"

	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
)

// Handle identifies one acquired workspace. The task that acquired it owns
// it exclusively until release.
type Handle struct {
	TaskID       string
	Strategy     models.IsolationStrategy
	Branch       string // task branch the workspace is checked out on
	WorktreePath string // filesystem worktree, if the strategy allocates one
	ContainerID  string // container, if the strategy allocates one
}

// Manager acquires and releases workspaces. Release must be called on every
// exit path; release failures are logged by callers, never fatal to the run.
type Manager interface {
	Acquire(ctx context.Context, task models.AgentTask) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

// Error is a typed workspace acquisition/release failure.
type Error struct {
	TaskID string
	Op     string // "acquire" or "release"
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("isolation %s for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures workspace managers.
type Options struct {
	// RepoDir is the repository root workspaces are derived from.
	RepoDir string

	// BaseBranch is the branch task branches are cut from, typically the
	// run's working branch.
	BaseBranch string

	// WorktreeRoot is the directory worktrees are allocated under.
	WorktreeRoot string

	// ContainerImage is the image container workspaces run.
	ContainerImage string

	// TaskCount is the number of tasks in the team. Shared isolation is
	// only permitted for single-task teams.
	TaskCount int

	// Runner executes git/docker commands; defaults to ExecRunner.
	Runner CommandRunner

	// Logger receives allocation diagnostics; may be nil.
	Logger logger.Logger
}

// NewManager selects the workspace manager for the given strategy.
func NewManager(strategy models.IsolationStrategy, opts Options) (Manager, error) {
	if opts.RepoDir == "" {
		return nil, fmt.Errorf("isolation: repo dir is required")
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	opts.Logger = logger.OrNop(opts.Logger)

	switch strategy {
	case models.IsolationWorktree:
		return newWorktreeManager(opts)
	case models.IsolationContainer:
		return &containerManager{opts: opts}, nil
	case models.IsolationHybrid:
		wt, err := newWorktreeManager(opts)
		if err != nil {
			return nil, err
		}
		return &hybridManager{worktrees: wt, containers: &containerManager{opts: opts}}, nil
	case models.IsolationShared:
		if opts.TaskCount > 1 {
			return nil, fmt.Errorf("isolation: shared workspace requires exactly one task, team has %d", opts.TaskCount)
		}
		return &sharedManager{opts: opts}, nil
	default:
		return nil, fmt.Errorf("isolation: unknown strategy %q", strategy)
	}
}

// taskBranch names the branch a task's changes land on.
func taskBranch(taskID string) string {
	return "foreman/task-" + taskID
}
