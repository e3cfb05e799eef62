package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/portrait-cli/internal/admin"
	"github.com/sells-group/portrait-cli/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry, snapshot and enrichment status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Admin.Status(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), st)
		}
		formatStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

// formatStatus writes a two-column summary of st to out.
func formatStatus(out io.Writer, st *admin.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(w, "%s\t%v\n", k, v) }

	source := "reachable"
	if !st.SourceReachable {
		source = "unreachable: " + truncate(st.SourceError, 60)
	}
	row("source", source)
	row("classifier circuit", st.Circuit)
	row("records", fmt.Sprintf("%d total, %d analyzed, %d in flight", st.Records.Total, st.Records.Analyzed, st.Records.Claimed))
	row("periods", fmt.Sprintf("%d total (%d pending, %d computing, %d completed, %d failed)",
		st.TotalPeriods,
		st.Periods[model.PeriodPending], st.Periods[model.PeriodComputing],
		st.Periods[model.PeriodCompleted], st.Periods[model.PeriodFailed]))
	row("subject snapshots", st.Snapshots.SubjectSnapshots)
	row("group summaries", st.Snapshots.GroupSummaries)
	row("last compute", stamp(st.LastComputedAt))
	if st.LastSync != nil {
		s := st.LastSync
		row("last sync", fmt.Sprintf("%s %s %s (%d fetched, %d upserted)",
			s.TargetDate.Format(model.DateLayout), s.Outcome, s.Reason, s.Fetched, s.Upserted))
	} else {
		row("last sync", "-")
	}
	_ = w.Flush()
}
