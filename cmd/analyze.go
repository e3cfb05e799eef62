package main

import (
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Label unanalyzed call records with sentiment and risk",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")
		rounds, _ := cmd.Flags().GetInt("rounds")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if all {
			return reportResult(cmd.OutOrStdout(), "analyze", env.Admin.AnalyzeAll(ctx, limit, rounds))
		}
		return reportResult(cmd.OutOrStdout(), "analyze", env.Admin.Analyze(ctx, limit))
	},
}

func init() {
	analyzeCmd.Flags().Int("limit", 0, "max records per batch (default enrich.default_limit)")
	analyzeCmd.Flags().Bool("all", false, "repeat batches until the backlog is drained")
	analyzeCmd.Flags().Int("rounds", 20, "max batches with --all")
	rootCmd.AddCommand(analyzeCmd)
}
