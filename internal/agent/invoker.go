package agent

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Request holds per-invocation configuration for one agent CLI call.
type Request struct {
	// Prompt is the task prompt (required).
	Prompt string

	// SystemPrompt is prepended as the role-specific system prompt.
	SystemPrompt string

	// WorkDir is the workspace the agent runs in (worktree path or repo).
	WorkDir string

	// ContainerID, when set, runs the CLI inside the container via
	// docker exec instead of on the host.
	ContainerID string
}

// Invoker starts an agent invocation and returns its lazy output stream.
type Invoker interface {
	Start(ctx context.Context, req Request) (Stream, error)
}

// CLIInvoker invokes the claude CLI in streaming mode. It follows the
// http.Client pattern: create once, reuse across tasks, safe for concurrent
// use.
type CLIInvoker struct {
	// AgentPath is the CLI binary, defaults to "claude".
	AgentPath string

	// Timeout bounds a single invocation; 0 means no limit beyond ctx.
	Timeout time.Duration
}

// NewCLIInvoker creates a CLIInvoker with default settings.
func NewCLIInvoker() *CLIInvoker {
	return &CLIInvoker{AgentPath: "claude"}
}

// Start implements Invoker. The returned stream owns the process; callers
// must drain it to io.EOF or Close it.
func (inv *CLIInvoker) Start(ctx context.Context, req Request) (Stream, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	path := inv.AgentPath
	if path == "" {
		path = "claude"
	}

	args := []string{}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	args = append(args, "-p", req.Prompt, "--output-format", "stream-json", "--verbose")

	cancel := context.CancelFunc(func() {})
	if inv.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
	}

	var cmd *exec.Cmd
	if req.ContainerID != "" {
		dockerArgs := append([]string{"exec", "-w", "/workspace", req.ContainerID, path}, args...)
		cmd = exec.CommandContext(ctx, "docker", dockerArgs...)
	} else {
		cmd = exec.CommandContext(ctx, path, args...)
		cmd.Dir = req.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent %s: %w", path, err)
	}

	s := newCLIStream(cmd, stdout)
	s.cancel = cancel
	return s, nil
}
