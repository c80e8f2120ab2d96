package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/pipeline"
	"github.com/harrison/foreman/internal/planner"
	"github.com/harrison/foreman/internal/store"
	"github.com/harrison/foreman/internal/verify"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	var (
		repoDir        string
		maxConcurrency int
		isolationMode  string
		baseBranch     string
		agentPath      string
	)

	cmd := &cobra.Command{
		Use:   "run <issue-file>",
		Short: "Resolve an issue through the pipeline",
		Long: `Resolve an issue by driving it through the configured pipeline phases.

The issue file is Markdown: the first heading becomes the issue title and
task-list items seed the implementation plan. Each phase either invokes a
single agent directly or plans an agent team whose tasks execute in
dependency-ordered waves on isolated branches, merged back between waves.

Configuration is loaded from .foreman/config.yaml if present; CLI flags
override configuration file settings.

Examples:
  foreman run issues/rate-limiting.md
  foreman run issues/rate-limiting.md --max-concurrency 3 --isolation container
  foreman run issues/hotfix.md --base-branch release/2.4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if maxConcurrency > 0 {
				cfg.MaxConcurrency = maxConcurrency
			}
			if isolationMode != "" {
				cfg.Isolation = models.IsolationStrategy(isolationMode)
			}
			if baseBranch != "" {
				cfg.BaseBranch = baseBranch
			}
			if agentPath != "" {
				cfg.AgentPath = agentPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			issue, err := loadIssue(args[0])
			if err != nil {
				return err
			}

			return executeRun(cmd, cfg, issue, repoDir)
		},
	}

	cmd.Flags().StringVar(&repoDir, "repo", ".", "repository the run operates on")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum concurrent tasks per wave")
	cmd.Flags().StringVar(&isolationMode, "isolation", "", "workspace strategy: worktree, container, hybrid, shared")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "", "branch the run is cut from")
	cmd.Flags().StringVar(&agentPath, "agent", "", "agent CLI binary")

	return cmd
}

func executeRun(cmd *cobra.Command, cfg *config.Config, issue *models.Issue, repoDir string) error {
	log := buildLogger(cmd, cfg)

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	invoker := agent.NewCLIInvoker()
	invoker.AgentPath = cfg.AgentPath
	invoker.Timeout = cfg.TaskTimeout

	blockers := pipeline.NewBlockerBoard()
	runner := agent.NewRunner(invoker, blockers.Await, log)

	engine, err := pipeline.New(pipeline.Deps{
		Config:   cfg,
		Store:    db,
		Planner:  planner.New(nil),
		Runner:   runner,
		Verifier: verify.NewRunner(nil, nil, log),
		Sink:     store.NewSink(db),
		RepoDir:  repoDir,
		Blockers: blockers,
		Log:      log,
	})
	if err != nil {
		return err
	}
	return runWithEngine(cmd, engine, db, issue)
}

// runWithEngine drives the issue to a terminal status, cancelling the run on
// SIGINT/SIGTERM.
func runWithEngine(cmd *cobra.Command, engine *pipeline.Engine, db *store.Store, issue *models.Issue) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.SaveIssue(ctx, issue); err != nil {
		return err
	}

	run, err := engine.Execute(ctx, issue)
	if err != nil {
		if ctx.Err() != nil && run != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s cancelled\n", run.ID)
			return nil
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed on branch %s\n", run.ID, run.Branch)
	return nil
}

// buildLogger combines console output with the run log file.
func buildLogger(cmd *cobra.Command, cfg *config.Config) logger.Logger {
	console := logger.NewConsole(cmd.ErrOrStderr(), cfg.LogLevel)
	file, err := logger.NewFile(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		console.Warnf("run log unavailable: %v", err)
		return console
	}
	return logger.Multi{console, file}
}

// loadIssue reads an issue from a markdown file: first heading is the title,
// whole content is the body.
func loadIssue(path string) (*models.Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read issue: %w", err)
	}
	body := string(data)

	title := planner.IssueHeadline(body)
	if title == "" {
		base := filepath.Base(path)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	now := time.Now().UTC()
	return &models.Issue{
		ID:        uuid.NewString()[:8],
		Title:     title,
		Body:      body,
		Status:    models.IssueReady,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
