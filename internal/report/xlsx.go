// Package report exports a period's snapshots as an XLSX workbook.
package report

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/store"
)

const (
	groupSheet   = "Groups"
	subjectSheet = "Subjects"
	percent      = "0.00%"
	decimal      = "0.00"
)

var groupHeader = []string{
	"Group ID", "Group", "Subjects", "Events", "Connected", "Connect Rate", "Avg Duration (s)",
	"Positive", "Neutral", "Negative", "Positive Rate", "Negative Rate", "Avg Sentiment",
	"High Complaint Subjects", "High Complaint Rate", "High Churn Subjects", "High Churn Rate",
}

var subjectHeader = []string{
	"Group ID", "Subject ID", "Events", "Connected", "Connect Rate", "Avg Duration (s)", "Max Duration (s)",
	"Avg Rounds", "Intent Levels", "Robot Hangups", "Customer Hangups", "Positive", "Neutral", "Negative",
	"Avg Sentiment", "Dominant Sentiment", "Complaint High", "Churn High", "Risk Level", "Engagement",
}

// Build loads the period's group summaries and subject snapshots into a workbook.
func Build(ctx context.Context, st store.Store, p model.Period) (*xlsx.File, error) {
	sums, err := st.ListGroupSummaries(ctx, p.Type, p.Key)
	if err != nil {
		return nil, eris.Wrap(err, "report: list group summaries")
	}
	snaps, _, err := st.ListSubjectSnapshots(ctx, store.SubjectFilter{PeriodType: p.Type, PeriodKey: p.Key})
	if err != nil {
		return nil, eris.Wrap(err, "report: list subject snapshots")
	}
	if len(sums) == 0 && len(snaps) == 0 {
		return nil, eris.Errorf("report: no snapshots for %s", p)
	}

	f := xlsx.NewFile()
	gs, err := f.AddSheet(groupSheet)
	if err != nil {
		return nil, eris.Wrap(err, "report: add group sheet")
	}
	header(gs, groupHeader)
	for _, g := range sums {
		row := gs.AddRow()
		str(row, g.GroupID)
		str(row, g.GroupName)
		num(row, g.TotalSubjects)
		num(row, g.TotalEvents)
		num(row, g.ConnectedEvents)
		flt(row, g.ConnectRate, percent)
		flt(row, g.AvgDuration, decimal)
		num(row, g.PositiveCount)
		num(row, g.NeutralCount)
		num(row, g.NegativeCount)
		flt(row, g.PositiveRate, percent)
		flt(row, g.NegativeRate, percent)
		optional(row, g.AvgSentiment)
		num(row, g.HighComplaintSubjects)
		flt(row, g.HighComplaintRate, percent)
		num(row, g.HighChurnSubjects)
		flt(row, g.HighChurnRate, percent)
	}

	ss, err := f.AddSheet(subjectSheet)
	if err != nil {
		return nil, eris.Wrap(err, "report: add subject sheet")
	}
	header(ss, subjectHeader)
	for _, s := range snaps {
		row := ss.AddRow()
		str(row, s.GroupID)
		str(row, s.SubjectID)
		num(row, s.TotalEvents)
		num(row, s.ConnectedEvents)
		flt(row, s.ConnectRate, percent)
		flt(row, s.AvgDuration, decimal)
		num(row, s.MaxDuration)
		flt(row, s.AvgRounds, decimal)
		str(row, levels(s.LevelCounts))
		num(row, s.RobotHangups)
		num(row, s.CustomerHangups)
		num(row, s.Sentiment.Positive)
		num(row, s.Sentiment.Neutral)
		num(row, s.Sentiment.Negative)
		optional(row, s.AvgSentiment)
		str(row, string(s.DominantMood))
		num(row, s.Complaint.High)
		num(row, s.Churn.High)
		str(row, string(s.RiskLevel))
		str(row, string(s.Engagement))
	}
	return f, nil
}

// Write streams the workbook for p to w.
func Write(ctx context.Context, st store.Store, p model.Period, w io.Writer) error {
	f, err := Build(ctx, st, p)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "report: write workbook")
}

// Save writes the workbook for p to path.
func Save(ctx context.Context, st store.Store, p model.Period, path string) error {
	f, err := Build(ctx, st, p)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

func header(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, c := range cols {
		str(row, c)
	}
}

func str(row *xlsx.Row, v string) { row.AddCell().SetString(v) }

func num(row *xlsx.Row, v int64) { row.AddCell().SetInt64(v) }

func flt(row *xlsx.Row, v float64, format string) { row.AddCell().SetFloatWithFormat(v, format) }

func optional(row *xlsx.Row, v *float64) {
	if v == nil {
		row.AddCell()
		return
	}
	flt(row, *v, decimal)
}

// levels renders intent level counts as "A:2 B:1", in level order.
func levels(counts map[string]int64) string {
	var parts []string
	for _, l := range []string{"A", "B", "C", "D", "E", "F"} {
		if n := counts[l]; n > 0 {
			parts = append(parts, l+":"+strconv.FormatInt(n, 10))
		}
	}
	return strings.Join(parts, " ")
}
