package main

import (
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Compute group summaries from a period's subject snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		typ, _ := cmd.Flags().GetString("type")
		key, _ := cmd.Flags().GetString("key")
		force, _ := cmd.Flags().GetBool("force")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return reportResult(cmd.OutOrStdout(), "summary", env.Admin.ComputeGroupSummary(ctx, typ, key, force))
	},
}

func init() {
	summaryCmd.Flags().String("type", "week", "period type: week, month or quarter")
	summaryCmd.Flags().String("key", "", "period key, e.g. 2025-W48")
	summaryCmd.Flags().Bool("force", false, "recompute a summary that is already current")
	_ = summaryCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(summaryCmd)
}
