package cmd

import (
	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/config"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for foreman
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Autonomous issue-resolution pipeline",
		Long: `Foreman drives an issue end-to-end through a phased pipeline: planning
the change, executing it with teams of coding agents in dependency-ordered
waves, merging each wave's branches, and verifying the result.

Runs, phases, teams, tasks, and the full event stream are recorded in a
local SQLite store that the status and replay commands read.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", ".foreman/config.yaml", "configuration file")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewCancelCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewReplayCommand())

	return cmd
}

// resolveConfig loads configuration from the persistent --config flag. A
// missing file yields the defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		path = ".foreman/config.yaml"
	}
	return config.Load(path)
}
