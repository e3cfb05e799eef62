package main

import (
	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage group metadata",
}

var groupsSyncNamesCmd = &cobra.Command{
	Use:   "sync-names",
	Short: "Refresh group display names from the dialer task table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return reportResult(cmd.OutOrStdout(), "sync-names", env.Admin.SyncGroupNames(ctx))
	},
}

func init() {
	groupsCmd.AddCommand(groupsSyncNamesCmd)
	rootCmd.AddCommand(groupsCmd)
}
