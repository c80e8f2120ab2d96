// Package merge integrates each wave's task branches into the run's working
// branch in deterministic task-ID order, surfacing conflicts as data rather
// than resolving them.
package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git is the set of git operations wave integration needs. The interface
// keeps the coordinator testable without real repositories.
type Git interface {
	// Checkout switches the repository to an existing branch.
	Checkout(ctx context.Context, branch string) error

	// Merge merges branch into the current branch with --no-ff. A conflict
	// is reported via conflict=true with the affected files, not an error.
	Merge(ctx context.Context, branch string) (conflict bool, files []string, err error)

	// AbortMerge aborts an in-progress merge, restoring a clean tree.
	AbortMerge(ctx context.Context) error

	// DeleteBranch force-deletes a fully merged task branch.
	DeleteBranch(ctx context.Context, branch string) error
}

// CLIGit implements Git against a repository directory using git commands.
type CLIGit struct {
	RepoDir string
}

func (g *CLIGit) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.RepoDir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return output, nil
}

// Checkout implements Git.
func (g *CLIGit) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// Merge implements Git. Conflicts are detected from git's output and the
// unmerged-file listing, mirroring what a human sees on the command line.
func (g *CLIGit) Merge(ctx context.Context, branch string) (bool, []string, error) {
	out, err := g.run(ctx, "merge", "--no-ff", "--no-edit", branch)
	if err == nil {
		return false, nil, nil
	}
	if !strings.Contains(out, "CONFLICT") && !strings.Contains(err.Error(), "CONFLICT") {
		return false, nil, err
	}

	files, listErr := g.conflictFiles(ctx)
	if listErr != nil {
		return true, nil, listErr
	}
	return true, files, nil
}

// conflictFiles lists paths with unresolved conflicts.
func (g *CLIGit) conflictFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge implements Git.
func (g *CLIGit) AbortMerge(ctx context.Context) error {
	_, err := g.run(ctx, "merge", "--abort")
	return err
}

// DeleteBranch implements Git.
func (g *CLIGit) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "branch", "-D", branch)
	return err
}
