package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/confsync/confsync/internal/ledger"

	"github.com/spf13/cobra"
)

var (
	historyRun   string
	historyEvent string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs from the state database.",
	Long: `History lists ledger events recorded by previous runs, newest first.
Filter by run id to follow one run end to end, or by event type (run_start,
batch_done, rate_limited, run_end, run_error) to scan across runs.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Only events for this run id")
	historyCmd.Flags().StringVar(&historyEvent, "event", "", "Only events of this type")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum events to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	db := getDB()
	ctx := cmd.Context()

	events, err := ledger.QueryRunHistory(ctx, db, historyRun, historyEvent, historyLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No ledger events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tCOMMAND\tEVENT\tENDPOINT\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.RFC3339),
			shortRunID(e.RunID),
			e.Command,
			e.Event,
			e.Endpoint,
			e.Message,
		)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("render history table: %w", err)
	}

	if historyRun != "" {
		n, err := ledger.FailureCount(ctx, db, historyRun)
		if err != nil {
			return err
		}
		fmt.Printf("\n%d item failures recorded for run %s\n", n, historyRun)
	}
	return nil
}

// shortRunID trims UUIDs to their first segment for table output.
func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
