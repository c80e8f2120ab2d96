package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrison/foreman/internal/models"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", cfg.MaxConcurrency)
	}
	if cfg.Isolation != models.IsolationWorktree {
		t.Errorf("Isolation = %q, want worktree", cfg.Isolation)
	}
	if len(cfg.Phases) == 0 {
		t.Fatal("expected default phases")
	}
}

func TestLoadAppliesFileValuesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
max_concurrency: 2
task_timeout: 5m
isolation: hybrid
base_branch: develop
phases:
  - name: implement
    requires_team: true
    max_iterations: 3
    verify:
      - type: test_build
        name: tests
        commands: ["go test ./..."]
  - name: review
    requires_team: true
    requires_review: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MaxConcurrency != 2 {
		t.Errorf("MaxConcurrency = %d, want 2", cfg.MaxConcurrency)
	}
	if cfg.TaskTimeout != 5*time.Minute {
		t.Errorf("TaskTimeout = %v, want 5m", cfg.TaskTimeout)
	}
	if cfg.Isolation != models.IsolationHybrid {
		t.Errorf("Isolation = %q, want hybrid", cfg.Isolation)
	}
	if cfg.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want develop", cfg.BaseBranch)
	}
	// Omitted fields fall back to defaults.
	if cfg.AgentPath != "claude" {
		t.Errorf("AgentPath = %q, want claude", cfg.AgentPath)
	}
	if len(cfg.Phases) != 2 {
		t.Fatalf("Phases = %d, want 2", len(cfg.Phases))
	}
	if cfg.Phases[0].MaxIterations != 3 {
		t.Errorf("implement MaxIterations = %d, want 3", cfg.Phases[0].MaxIterations)
	}
	// Unset retry budget defaults to a single attempt.
	if cfg.Phases[1].MaxIterations != 1 {
		t.Errorf("review MaxIterations = %d, want 1", cfg.Phases[1].MaxIterations)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative concurrency", func(c *Config) { c.MaxConcurrency = -1 }},
		{"unknown isolation", func(c *Config) { c.Isolation = "vm" }},
		{"no phases", func(c *Config) { c.Phases = nil }},
		{"duplicate phase", func(c *Config) {
			c.Phases = []PhaseConfig{{Name: "a", MaxIterations: 1}, {Name: "a", MaxIterations: 1}}
		}},
		{"unknown check type", func(c *Config) {
			c.Phases = []PhaseConfig{{Name: "a", MaxIterations: 1,
				Verify: []CheckConfig{{Type: "lint", Name: "l"}}}}
		}},
		{"test_build without commands", func(c *Config) {
			c.Phases = []PhaseConfig{{Name: "a", MaxIterations: 1,
				Verify: []CheckConfig{{Type: "test_build", Name: "t"}}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
