package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/view-guard-meta/console/internal/state"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded analysis runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := state.NewManager(cfg.Console.Storage.DataDir, log.Named("state"))
		if err != nil {
			return err
		}
		defer mgr.Close()

		runs, err := mgr.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No analysis runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tSTARTED\tDURATION\tFRAMES\tBATCHES\tPEAK\tVERDICT\tEND")
		fmt.Fprintln(w, "--\t----\t-------\t--------\t------\t-------\t----\t-------\t---")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.3f\t%s\t%s\n",
				r.ID,
				r.Mode,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				runDuration(r),
				r.FramesSent,
				r.Batches,
				r.PeakCombined,
				orDash(r.LastVerdict),
				orDash(r.EndReason),
			)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func runDuration(r state.Run) string {
	if r.EndedAt == nil {
		return "running"
	}
	return r.EndedAt.Sub(r.StartedAt).Truncate(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
