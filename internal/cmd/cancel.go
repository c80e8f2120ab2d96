package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/events"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// NewCancelCommand creates the cancel command
func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pipeline run",
		Long: `Mark a run cancelled in the store.

A run executing in a live foreman process also stops on SIGINT; cancel is
the recovery path for runs whose process is gone but whose record is still
queued or running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			run, err := db.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run.Status.Terminal() {
				return fmt.Errorf("run %s already %s", run.ID, run.Status)
			}

			now := time.Now().UTC()
			run.Status = models.RunCancelled
			run.CompletedAt = &now
			if err := db.UpdateRun(ctx, run); err != nil {
				return err
			}
			if err := db.AppendEvent(ctx, events.New(run.ID, events.PipelineCancelled{})); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s cancelled\n", run.ID)
			return nil
		},
	}
}
