package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/events"
	"github.com/harrison/foreman/internal/store"
)

// NewReplayCommand creates the replay command
func NewReplayCommand() *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Reconstruct run state from the event log",
		Long: `Fold the run's recorded event stream back into run, phase, and task
state. The reconstruction tolerates duplicate deliveries, so it doubles as a
consistency check of the event log against the stored run.

Events are read from the store by default; --log reads a JSONL event log
written by a file sink instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			log, err := loadEvents(cmd, runID, fromFile)
			if err != nil {
				return err
			}

			state, err := events.Replay(runID, log)
			if err != nil {
				return err
			}
			return printState(cmd, state)
		},
	}

	cmd.Flags().StringVar(&fromFile, "log", "", "JSONL event log file to replay instead of the store")

	return cmd
}

func loadEvents(cmd *cobra.Command, runID, fromFile string) ([]events.Event, error) {
	if fromFile != "" {
		return events.ReadLog(fromFile)
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.EventsForRun(cmd.Context(), runID)
}

func printState(cmd *cobra.Command, state *events.RunState) error {
	out := cmd.OutOrStdout()
	run := state.Run

	fmt.Fprintf(out, "Run %s (issue %s)\n", run.ID, run.IssueID)
	fmt.Fprintf(out, "  Status: %s\n", run.Status)
	if run.Branch != "" {
		fmt.Fprintf(out, "  Branch: %s\n", run.Branch)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "  Error:  %s\n", run.Error)
	}

	if len(state.Phases) > 0 {
		fmt.Fprintln(out, "\nPhases:")
		for i := 0; i < run.PhaseCount; i++ {
			p, ok := state.Phases[i]
			if !ok {
				continue
			}
			fmt.Fprintf(out, "  %d %s: %s\n", p.Number, p.Name, p.Status)
		}
	}

	ids := state.TaskIDs()
	if len(ids) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nTasks:")
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSTATUS\tEVENTS")
	for _, id := range ids {
		task := state.Tasks[id]
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\n", task.ID, task.Name, task.Status, len(state.TaskEvents[id]))
	}
	return w.Flush()
}
