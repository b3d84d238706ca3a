package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/scout/internal/model"
)

var statusRunLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint progress and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		progress, err := st.Progress(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("checkpoints: %d total, %d completed, %d pending, %d failed\n",
			progress.Total, progress.Completed, progress.Pending, progress.Failed)

		runs, err := st.ListRuns(ctx, statusRunLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}

		fmt.Println("\nrecent runs:")
		for _, r := range runs {
			line := fmt.Sprintf("  %s  %-11s %d queries, %d new, %d updated  started %s",
				r.ID, r.Status, r.TotalQueries, r.NewFindings, r.UpdatedFindings,
				r.StartedAt.Format("2006-01-02 15:04:05"))
			if r.Status == model.RunRunning {
				line += "  (in progress)"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusRunLimit, "runs", 10, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
