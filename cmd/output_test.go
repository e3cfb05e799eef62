package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portrait-cli/internal/admin"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/scheduler"
	"github.com/sells-group/portrait-cli/internal/store"
)

func TestReportResult(t *testing.T) {
	var buf bytes.Buffer
	err := reportResult(&buf, "sync", model.Success(map[string]int64{model.CountSynced: 3, model.CountFetched: 3}))
	require.NoError(t, err)
	assert.Equal(t, "sync: success fetched=3 synced=3\n", buf.String())

	buf.Reset()
	err = reportResult(&buf, "compute", model.Skipped(model.ReasonAlreadyCompleted))
	require.NoError(t, err)
	assert.Equal(t, "compute: skipped (already_completed)\n", buf.String())

	buf.Reset()
	err = reportResult(&buf, "compute", model.Failed(model.ReasonStoreError, errors.New("disk full")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store_error")
	assert.Contains(t, err.Error(), "disk full")
}

func TestFormatPeriods(t *testing.T) {
	computed := time.Date(2025, 12, 1, 2, 0, 0, 0, time.UTC)
	p, err := model.ParsePeriod(model.PeriodWeek, "2025-W48")
	require.NoError(t, err)

	var buf bytes.Buffer
	formatPeriods(&buf, []model.PeriodEntry{{
		Period:        p,
		Status:        model.PeriodCompleted,
		TotalSubjects: 3,
		TotalRecords:  5,
		TotalGroups:   2,
		ComputedAt:    &computed,
	}})

	out := buf.String()
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "2025-W48")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2025-12-01 02:00")
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, &admin.Status{
		Periods:      map[model.PeriodStatus]int64{model.PeriodCompleted: 2, model.PeriodFailed: 1},
		TotalPeriods: 3,
		Snapshots:    store.SnapshotCounts{SubjectSnapshots: 10, GroupSummaries: 2},
		Records:      store.RecordCounts{Total: 40, Analyzed: 38, Claimed: 2},
		SourceError:  "source: ping: connection refused",
		Circuit:      "closed",
	})

	out := buf.String()
	assert.Contains(t, out, "unreachable: source: ping: connection refused")
	assert.Contains(t, out, "40 total, 38 analyzed, 2 in flight")
	assert.Contains(t, out, "3 total (0 pending, 0 computing, 2 completed, 1 failed)")
	assert.Contains(t, out, "last sync")
}

func TestFormatReport(t *testing.T) {
	var buf bytes.Buffer
	formatReport(&buf, scheduler.Report{Stages: []scheduler.Stage{
		{Name: "sync", Period: "2025-11-30", Result: model.Success(map[string]int64{model.CountSynced: 12})},
		{Name: "compute_snapshot", Period: "week:2025-W48", Result: model.Skipped(model.ReasonAlreadyCompleted)},
	}})

	out := buf.String()
	assert.Contains(t, out, "synced=12")
	assert.Contains(t, out, "week:2025-W48")
	assert.Contains(t, out, "already_completed")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
