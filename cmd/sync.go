package main

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/portrait-cli/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy one day of call records from the dialer",
	Long:  "Copies the call records of --date (default yesterday) into the enriched store. With --end, every day from --date to --end is synced.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dateStr, _ := cmd.Flags().GetString("date")
		endStr, _ := cmd.Flags().GetString("end")

		var date, end time.Time
		var err error
		if dateStr != "" {
			if date, err = model.ParseDate(dateStr); err != nil {
				return err
			}
		}
		if endStr != "" {
			if date.IsZero() {
				return eris.New("sync: --end requires --date")
			}
			if end, err = model.ParseDate(endStr); err != nil {
				return err
			}
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		if end.IsZero() {
			return reportResult(out, "sync", env.Admin.Sync(ctx, date))
		}

		results, err := env.Admin.SyncRange(ctx, date, end)
		if err != nil {
			return err
		}
		days := make([]string, 0, len(results))
		for d := range results {
			days = append(days, d)
		}
		sort.Strings(days)
		var failed int
		for _, d := range days {
			if reportResult(out, "sync "+d, results[d]) != nil {
				failed++
			}
		}
		if failed > 0 {
			return eris.Errorf("sync: %d of %d days failed", failed, len(days))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("date", "", "day to sync, YYYY-MM-DD (default yesterday)")
	syncCmd.Flags().String("end", "", "last day of a range to sync, YYYY-MM-DD")
	rootCmd.AddCommand(syncCmd)
}
