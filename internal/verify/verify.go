// Package verify runs configured checks against a run's merged state:
// compile/test commands and browser-based verification. Checks report
// pass/fail with evidence and never mutate source state.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/logger"
)

// Error reports a verification suite in which one or more checks failed. It
// is a phase failure eligible for the phase retry policy.
type Error struct {
	Failed []string // names of failing checks
}

func (e *Error) Error() string {
	return fmt.Sprintf("verification failed: %s", strings.Join(e.Failed, ", "))
}

// Failures collects the failing check names, nil when everything passed.
func Failures(results []Result) []string {
	var failed []string
	for _, res := range results {
		if !res.Passed {
			failed = append(failed, res.Check)
		}
	}
	return failed
}

// Result is one check's outcome.
type Result struct {
	Check    string
	Type     string
	Passed   bool
	Summary  string
	Evidence []string // evidence references: output excerpts, screenshot paths
	Duration time.Duration
}

// CommandRunner executes one shell command in a directory and returns its
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (string, error)
}

// ShellRunner executes commands via sh -c.
type ShellRunner struct{}

// Run implements CommandRunner.
func (ShellRunner) Run(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// BrowserDriver performs one interactive browser check.
type BrowserDriver interface {
	Verify(ctx context.Context, check config.CheckConfig) (Result, error)
}

// Runner executes a verification suite.
type Runner struct {
	commands CommandRunner
	browser  BrowserDriver
	log      logger.Logger
}

// NewRunner creates a Runner. A nil browser driver fails browser checks with
// an explanatory summary instead of skipping them silently.
func NewRunner(commands CommandRunner, browser BrowserDriver, log logger.Logger) *Runner {
	if commands == nil {
		commands = ShellRunner{}
	}
	return &Runner{commands: commands, browser: browser, log: logger.OrNop(log)}
}

// Run executes every check concurrently and returns results in the order the
// checks were configured. A failing check is a result, not an error; errors
// are reserved for the runner being unable to execute at all.
func (r *Runner) Run(ctx context.Context, dir string, checks []config.CheckConfig) ([]Result, error) {
	results := make([]Result, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			res, err := r.runCheck(gctx, dir, check)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, res := range results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Summarize produces the one-line outcome fed back to the state machine.
func Summarize(results []Result) string {
	passed := 0
	var failed []string
	for _, res := range results {
		if res.Passed {
			passed++
		} else {
			failed = append(failed, res.Check)
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("%d check(s) passed", passed)
	}
	return fmt.Sprintf("%d/%d check(s) passed, failed: %s",
		passed, len(results), strings.Join(failed, ", "))
}

func (r *Runner) runCheck(ctx context.Context, dir string, check config.CheckConfig) (Result, error) {
	switch check.Type {
	case "test_build":
		return r.runTestBuild(ctx, dir, check), nil
	case "browser":
		if r.browser == nil {
			return Result{
				Check: check.Name, Type: check.Type,
				Summary: "no browser driver configured",
			}, nil
		}
		res, err := r.browser.Verify(ctx, check)
		if err != nil {
			return Result{}, fmt.Errorf("browser check %s: %w", check.Name, err)
		}
		return res, nil
	default:
		return Result{}, fmt.Errorf("unknown check type %q", check.Type)
	}
}

// runTestBuild executes the check's commands sequentially, stopping at the
// first failure. The failing command's output tail becomes the evidence.
func (r *Runner) runTestBuild(ctx context.Context, dir string, check config.CheckConfig) Result {
	start := time.Now()
	res := Result{Check: check.Name, Type: check.Type, Passed: true}

	for _, command := range check.Commands {
		if err := ctx.Err(); err != nil {
			res.Passed = false
			res.Summary = fmt.Sprintf("cancelled before %q", command)
			break
		}

		out, err := r.commands.Run(ctx, dir, command)
		if err != nil {
			res.Passed = false
			res.Summary = fmt.Sprintf("%q failed: %v", command, err)
			if out != "" {
				res.Evidence = append(res.Evidence, tail(out, 20))
			}
			r.log.Warnf("check %s: %s", check.Name, res.Summary)
			break
		}
	}

	if res.Passed {
		res.Summary = fmt.Sprintf("%d command(s) passed", len(check.Commands))
	}
	res.Duration = time.Since(start)
	return res
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
