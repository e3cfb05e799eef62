package main

import (
	"github.com/spf13/cobra"
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute subject snapshots for a period",
	Long:  "Rolls up the enriched records of one period into per-subject snapshots. With --summary the group summary is computed afterwards.",
	Example: `  portrait compute --type week --key 2025-W48
  portrait compute --type month --key 2025-11 --force --summary`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		typ, _ := cmd.Flags().GetString("type")
		key, _ := cmd.Flags().GetString("key")
		force, _ := cmd.Flags().GetBool("force")
		summary, _ := cmd.Flags().GetBool("summary")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		if err := reportResult(out, "compute", env.Admin.ComputeSnapshot(ctx, typ, key, force)); err != nil {
			return err
		}
		if !summary {
			return nil
		}
		return reportResult(out, "summary", env.Admin.ComputeGroupSummary(ctx, typ, key, force))
	},
}

func init() {
	computeCmd.Flags().String("type", "week", "period type: week, month or quarter")
	computeCmd.Flags().String("key", "", "period key, e.g. 2025-W48, 2025-11, 2025-Q4")
	computeCmd.Flags().Bool("force", false, "recompute a completed or failed period, or one that has not ended")
	computeCmd.Flags().Bool("summary", false, "also compute the group summary")
	_ = computeCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(computeCmd)
}
