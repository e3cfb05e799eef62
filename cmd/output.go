package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/model"
)

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// reportResult prints res and turns a failed outcome into a command error.
// Skipped results exit cleanly.
func reportResult(out io.Writer, op string, res model.Result) error {
	_, _ = fmt.Fprintf(out, "%s: %s", op, res.Outcome)
	if res.Reason != "" {
		_, _ = fmt.Fprintf(out, " (%s)", res.Reason)
	}
	if len(res.Counts) > 0 {
		_, _ = fmt.Fprintf(out, " %s", formatCounts(res.Counts))
	}
	_, _ = fmt.Fprintln(out)
	if res.Outcome == model.OutcomeFailed {
		if res.Error != "" {
			return eris.Errorf("%s failed: %s: %s", op, res.Reason, res.Error)
		}
		return eris.Errorf("%s failed: %s", op, res.Reason)
	}
	return nil
}

// formatCounts renders counts as "k=v" pairs in key order.
func formatCounts(counts map[string]int64) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

// formatPeriods writes registry entries as a table.
func formatPeriods(out io.Writer, entries []model.PeriodEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tKEY\tLABEL\tSTATUS\tSUBJECTS\tRECORDS\tGROUPS\tCOMPUTED\tERROR")
	_, _ = fmt.Fprintln(w, "----\t---\t-----\t------\t--------\t-------\t------\t--------\t-----")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.Type, e.Key, e.Label(), e.Status,
			e.TotalSubjects, e.TotalRecords, e.TotalGroups,
			stamp(e.ComputedAt), truncate(e.LastError, 60),
		)
	}
	_ = w.Flush()
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
