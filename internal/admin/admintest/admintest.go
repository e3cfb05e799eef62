// Package admintest wires a complete admin service over SQLite for tests of
// the layers built on top of it.
package admintest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/portrait-cli/internal/admin"
	"github.com/sells-group/portrait-cli/internal/aggregate"
	"github.com/sells-group/portrait-cli/internal/classify"
	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/enrich"
	"github.com/sells-group/portrait-cli/internal/etl"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/registry"
	"github.com/sells-group/portrait-cli/internal/source/sourcetest"
	"github.com/sells-group/portrait-cli/internal/store"
)

// Day is the date of the seeded calls. It falls in week 2025-W48.
var Day = model.Date(2025, 11, 25)

// Harness bundles the admin service with its backing databases.
type Harness struct {
	Admin  *admin.Service
	Store  *store.SQLiteStore
	Source *sourcetest.DB
	Config *config.Config
}

// Config returns settings small enough for tests.
func Config() *config.Config {
	return &config.Config{
		Sync:      config.SyncConfig{Timeout: time.Minute, ChunkSize: 100},
		Enrich:    config.EnrichConfig{BatchSize: 10, MaxConcurrency: 2, RatePerSecond: 100, Burst: 5, CallTimeout: time.Second, ClaimLease: time.Minute, DefaultLimit: 50},
		Retry:     config.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		Circuit:   config.CircuitConfig{FailureThreshold: 100, ResetTimeout: time.Minute},
		Scheduler: config.SchedulerConfig{Timezone: "UTC", AnalyzeLimit: 50, AnalyzeRounds: 5},
	}
}

// New builds an admin service with the rule classifier, a SQLite store and
// an empty SQLite source.
func New(t *testing.T) *Harness {
	t.Helper()
	ctx := context.Background()

	src := sourcetest.New(t)
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	cfg := Config()
	clf, err := classify.New(config.ClassifierConfig{Provider: "rules"})
	require.NoError(t, err)

	reader := src.Reader()
	reg := registry.New(st)
	svc := admin.New(admin.Deps{
		Store:        st,
		Source:       reader,
		Sync:         etl.NewService(reader, st, cfg.Sync, time.Second),
		Enrich:       enrich.NewService(st, reader, clf, cfg),
		Aggregator:   aggregate.New(st, reg, time.UTC),
		Registry:     reg,
		Location:     time.UTC,
		PingTimeout:  time.Second,
		AnalyzeLimit: cfg.Scheduler.AnalyzeLimit,
	})
	return &Harness{Admin: svc, Store: st, Source: src, Config: cfg}
}

// Seed loads calls for two groups on Day.
//
// G1 "Renewals": S1 has three calls (0s, 30s, 45s; the last one a
// complaint) and S2 one 12s call with no dialogue. G2 "Activations": S3 has
// one satisfied 70s call.
func (h *Harness) Seed(t *testing.T) {
	t.Helper()
	at := func(hour int) time.Time { return Day.Add(time.Duration(hour) * time.Hour) }

	h.Source.AddCalls(
		sourcetest.Call{ID: 1, CallID: "call-1", TaskID: "G1", CustomerID: "S1", At: at(9), BillMS: 0, Level: "F", Hangup: 1},
		sourcetest.Call{ID: 2, CallID: "call-2", TaskID: "G1", CustomerID: "S1", At: at(11), BillMS: 30000, Rounds: 3, Level: "B", Hangup: 2},
		sourcetest.Call{ID: 3, CallID: "call-3", TaskID: "G1", CustomerID: "S1", At: at(16), BillMS: 45000, Rounds: 4, Level: "A", Hangup: 2},
		sourcetest.Call{ID: 4, CallID: "call-4", TaskID: "G1", CustomerID: "S2", At: at(10), BillMS: 12000, Rounds: 1, Level: "E", Hangup: 1},
		sourcetest.Call{ID: 5, CallID: "call-5", TaskID: "G2", CustomerID: "S3", At: at(14), BillMS: 70000, Rounds: 6, Level: "A", Hangup: 1},
	)
	h.Source.AddTurns(Day,
		sourcetest.Turn{CallID: "call-2", Sequence: 1, Answer: "您好，这里是客服中心", Question: "嗯"},
		sourcetest.Turn{CallID: "call-2", Sequence: 2, Answer: "给您介绍一下新的流量包", Question: "好的，谢谢"},
		sourcetest.Turn{CallID: "call-3", Sequence: 1, Answer: "您好", Question: "太贵了，我要投诉"},
		sourcetest.Turn{CallID: "call-5", Sequence: 1, Answer: "已经为您开通", Question: "谢谢，很满意"},
	)
	h.Source.AddGroup("G1", "Renewals")
	h.Source.AddGroup("G2", "Activations")
}

// Run seeds, syncs, analyzes and computes week 2025-W48.
func (h *Harness) Run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h.Seed(t)

	require.True(t, h.Admin.Sync(ctx, Day).OK())
	require.True(t, h.Admin.SyncGroupNames(ctx).OK())
	res := h.Admin.AnalyzeAll(ctx, 50, 5)
	require.True(t, res.OK(), res.Error)

	snaps, summary := h.Admin.ComputePeriod(ctx, model.PeriodOf(model.PeriodWeek, Day), false)
	require.True(t, snaps.OK(), snaps.Error)
	require.True(t, summary.OK(), summary.Error)
}
