package cli

import (
	"fmt"
	"io"

	"github.com/me/vgrid/internal/store"
	"github.com/me/vgrid/pkg/model"
	"github.com/spf13/cobra"
)

func newResultsCmd() *cobra.Command {
	var dbPath string
	opts := model.DefaultListOptions()
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List recorded outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(dbPath, currentLogger())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			records, total, err := st.ListOutcomes(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list outcomes: %w", err)
			}
			printResults(cmd.OutOrStdout(), records, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "vgrid.db", "SQLite database with recorded outcomes")
	cmd.Flags().StringVar(&opts.BatchID, "batch", "", "Only show outcomes of this batch")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum number of outcomes (max 100)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip this many outcomes")
	return cmd
}

func printResults(w io.Writer, records []*model.OutcomeRecord, total int) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No outcomes found.")
		return
	}

	fmt.Fprintf(w, "%-24s  %-20s  %-20s  %-10s  %5s  %s\n", "COMPLETED", "TEST", "TARGET", "STATUS", "STEPS", "BATCH")
	fmt.Fprintf(w, "%-24s  %-20s  %-20s  %-10s  %5s  %s\n", "---------", "----", "------", "------", "-----", "-----")
	for _, r := range records {
		fmt.Fprintf(w, "%-24s  %-20s  %-20s  %-10s  %5d  %s\n",
			r.CompletedAt.Format("2006-01-02 15:04:05"), r.TestName, r.Target, resultLabel(r), r.Steps, r.BatchID)
	}
	if len(records) < total {
		fmt.Fprintf(w, "\n(%d of %d shown)\n", len(records), total)
	}
}
