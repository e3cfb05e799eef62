package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/registry"
)

var periodsCmd = &cobra.Command{
	Use:   "periods",
	Short: "Inspect and repair the period registry",
}

var periodsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered periods, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		typ, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		var pt model.PeriodType
		if typ != "" {
			var err error
			if pt, err = model.ParsePeriodType(typ); err != nil {
				return err
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := registry.New(st).List(ctx, pt, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No periods registered.")
			return nil
		}
		formatPeriods(cmd.OutOrStdout(), entries)
		return nil
	},
}

var periodsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Mark a period stuck in computing as failed",
	Long:  "Recovers a period whose computation was interrupted. The period moves to failed and can be recomputed with compute --force.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		typ, _ := cmd.Flags().GetString("type")
		key, _ := cmd.Flags().GetString("key")
		pt, err := model.ParsePeriodType(typ)
		if err != nil {
			return err
		}
		p, err := model.ParsePeriod(pt, key)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return reportResult(cmd.OutOrStdout(), "reset "+p.String(), registry.New(st).ResetStale(ctx, p))
	},
}

func init() {
	periodsListCmd.Flags().String("type", "", "filter by period type")
	periodsListCmd.Flags().Int("limit", 50, "max number of periods to display")

	periodsResetCmd.Flags().String("type", "week", "period type: week, month or quarter")
	periodsResetCmd.Flags().String("key", "", "period key")
	_ = periodsResetCmd.MarkFlagRequired("key")

	periodsCmd.AddCommand(periodsListCmd, periodsResetCmd)
	rootCmd.AddCommand(periodsCmd)
}
