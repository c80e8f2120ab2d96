// Package config loads and validates foreman configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/foreman/internal/models"
)

// DefaultConfigPath is the default location of the config file, relative to
// the repository being worked on.
const DefaultConfigPath = ".foreman/config.yaml"

// CheckConfig describes one verification check run against merged state.
type CheckConfig struct {
	// Type is "test_build" or "browser".
	Type string `yaml:"type"`

	// Name identifies the check in events and logs.
	Name string `yaml:"name"`

	// Commands are run sequentially for test_build checks.
	Commands []string `yaml:"commands,omitempty"`

	// URL is the page a browser check verifies.
	URL string `yaml:"url,omitempty"`
}

// PhaseConfig describes one pipeline phase.
type PhaseConfig struct {
	// Name of the phase (e.g. plan, implement, test, review).
	Name string `yaml:"name"`

	// RequiresTeam makes the planner form an agent team for this phase.
	// Without it the phase is a single direct agent invocation.
	RequiresTeam bool `yaml:"requires_team"`

	// RequiresReview adds a review sub-step; the planner must include a
	// reviewer role in the team.
	RequiresReview bool `yaml:"requires_review"`

	// MaxIterations is the retry budget: total attempts allowed before the
	// phase failure fails the run. Defaults to 1 (no retry).
	MaxIterations int `yaml:"max_iterations"`

	// MaxTasks caps how many tasks the planner may produce (0 = unlimited).
	MaxTasks int `yaml:"max_tasks"`

	// Verify lists the checks run against merged state after the phase's
	// waves complete.
	Verify []CheckConfig `yaml:"verify,omitempty"`
}

// Config holds all foreman configuration options.
type Config struct {
	// MaxConcurrency is the maximum number of concurrent tasks per wave
	// (0 = one slot per task).
	MaxConcurrency int `yaml:"max_concurrency"`

	// TaskTimeout is the maximum execution time for a single agent task.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs are written.
	LogDir string `yaml:"log_dir"`

	// Isolation is the default workspace strategy for teams.
	Isolation models.IsolationStrategy `yaml:"isolation"`

	// BaseBranch is the branch runs are cut from.
	BaseBranch string `yaml:"base_branch"`

	// WorktreeRoot is the directory worktrees are allocated under.
	WorktreeRoot string `yaml:"worktree_root"`

	// ContainerImage is the image used for container isolation.
	ContainerImage string `yaml:"container_image"`

	// AgentPath is the agent CLI binary (defaults to "claude").
	AgentPath string `yaml:"agent_path"`

	// StorePath is the sqlite database recording runs and events.
	StorePath string `yaml:"store_path"`

	// Phases defines the run's phase sequence in order.
	Phases []PhaseConfig `yaml:"phases"`
}

// Default returns the configuration used when no config file exists:
// a plan/implement/verify sequence with worktree isolation.
func Default() *Config {
	return &Config{
		MaxConcurrency: 4,
		TaskTimeout:    30 * time.Minute,
		LogLevel:       "info",
		LogDir:         ".foreman/logs",
		Isolation:      models.IsolationWorktree,
		BaseBranch:     "main",
		WorktreeRoot:   ".foreman/worktrees",
		ContainerImage: "foreman-agent:latest",
		AgentPath:      "claude",
		StorePath:      ".foreman/foreman.db",
		Phases: []PhaseConfig{
			{Name: "plan", MaxIterations: 1},
			{Name: "implement", RequiresTeam: true, MaxIterations: 2,
				Verify: []CheckConfig{{Type: "test_build", Name: "build", Commands: []string{"go build ./..."}}}},
			{Name: "review", RequiresTeam: true, RequiresReview: true, MaxIterations: 2},
		},
	}
}

// Load reads configuration from the given path, applying defaults for any
// field the file omits. A missing file returns defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.Isolation == "" {
		cfg.Isolation = def.Isolation
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = def.BaseBranch
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = def.WorktreeRoot
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = def.ContainerImage
	}
	if cfg.AgentPath == "" {
		cfg.AgentPath = def.AgentPath
	}
	if cfg.StorePath == "" {
		cfg.StorePath = def.StorePath
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = def.Phases
	}
	for i := range cfg.Phases {
		if cfg.Phases[i].MaxIterations <= 0 {
			cfg.Phases[i].MaxIterations = 1
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative, got %d", c.MaxConcurrency)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task_timeout cannot be negative, got %v", c.TaskTimeout)
	}
	switch c.Isolation {
	case models.IsolationWorktree, models.IsolationContainer, models.IsolationHybrid, models.IsolationShared:
	default:
		return fmt.Errorf("unknown isolation strategy %q", c.Isolation)
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	names := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase name is required")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate phase name %q", p.Name)
		}
		names[p.Name] = true
		for _, chk := range p.Verify {
			if chk.Type != "test_build" && chk.Type != "browser" {
				return fmt.Errorf("phase %s: unknown check type %q", p.Name, chk.Type)
			}
			if chk.Type == "test_build" && len(chk.Commands) == 0 {
				return fmt.Errorf("phase %s: test_build check %q needs commands", p.Name, chk.Name)
			}
		}
	}
	return nil
}
