package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/report"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a period's snapshots to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		typ, _ := cmd.Flags().GetString("type")
		key, _ := cmd.Flags().GetString("key")
		out, _ := cmd.Flags().GetString("out")

		pt, err := model.ParsePeriodType(typ)
		if err != nil {
			return err
		}
		p, err := model.ParsePeriod(pt, key)
		if err != nil {
			return err
		}
		if out == "" {
			out = fmt.Sprintf("portrait_%s_%s.xlsx", p.Type, p.Key)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := report.Save(ctx, st, p, out); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, p.Label())
		return nil
	},
}

func init() {
	exportCmd.Flags().String("type", "week", "period type: week, month or quarter")
	exportCmd.Flags().String("key", "", "period key")
	exportCmd.Flags().String("out", "", "output path (default portrait_<type>_<key>.xlsx)")
	_ = exportCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(exportCmd)
}
