package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts git/docker command execution for testability.
type CommandRunner interface {
	// Run executes a command in dir and returns combined output.
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, output)
	}
	return output, nil
}
