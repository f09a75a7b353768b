package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/shellpilot/pkg/task"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished tasks of the agent's session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		if st == nil {
			return errors.New("history is disabled (store.driver is none)")
		}
		defer st.Close()

		records, err := st.ListTasks(cmd.Context(), cfg.HistoryID(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list history: %w", err)
		}
		if historyJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		if len(records) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no tasks recorded for session %s\n", cfg.HistoryID())
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tFINISHED\tDURATION\tSTATUS\tDETAILS")
		for _, r := range records {
			status := "ok"
			if r.Error != "" {
				status = "failed: " + task.Preview(r.Error)
			}
			fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%s\n",
				r.TaskID,
				r.FinishedAt.Local().Format(time.DateTime),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
				status,
				strings.TrimSpace(r.Details))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Show at most this many tasks; 0 shows all")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print records as JSON")
	rootCmd.AddCommand(historyCmd)
}
