package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	var (
		statusFilter string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show pipeline run status",
		Long: `Without arguments, list recent runs. With a run ID, show the run's
phases and their outcomes.`,
		Args: cobra.MaximumNArgs(1),
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

			if len(args) == 1 {
				return showRun(cmd, db, args[0])
			}
			return listRuns(cmd, db, models.RunStatus(statusFilter), limit)
		},
	}

	cmd.Flags().StringVar(&statusFilter, "filter", "", "only list runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	return cmd
}

func listRuns(cmd *cobra.Command, db *store.Store, status models.RunStatus, limit int) error {
	runs, err := db.ListRuns(cmd.Context(), status, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tISSUE\tSTATUS\tPHASE\tBRANCH\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			run.ID, run.IssueID, run.Status, run.CurrentPhase+1, run.PhaseCount,
			run.Branch, run.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, db *store.Store, runID string) error {
	ctx := cmd.Context()
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	phases, err := db.PhasesForRun(ctx, runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (issue %s)\n", run.ID, run.IssueID)
	fmt.Fprintf(out, "  Status: %s\n", run.Status)
	if run.Branch != "" {
		fmt.Fprintf(out, "  Branch: %s\n", run.Branch)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "  Error:  %s\n", run.Error)
	}
	if run.Iteration > 0 {
		fmt.Fprintf(out, "  Phase retries: %d\n", run.Iteration)
	}

	if len(phases) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nPhases:")
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tNAME\tSTATUS\tATTEMPTS\tREVIEW\tERROR")
	for _, p := range phases {
		review := "-"
		if p.RequiresReview {
			review = string(p.Review)
		}
		errText := p.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%s\t%s\n",
			p.Number, p.Name, p.Status, p.Iteration, review, errText)
	}
	return w.Flush()
}
