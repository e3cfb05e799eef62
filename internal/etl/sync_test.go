package etl

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/source"
	"github.com/sells-group/portrait-cli/internal/source/sourcetest"
	"github.com/sells-group/portrait-cli/internal/store"
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	m.Run()
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func seedScenario(src *sourcetest.DB) {
	src.AddCalls(
		sourcetest.Call{ID: 1, CallID: "call-1", TaskID: "G1", CustomerID: "S1", At: at(2025, 11, 25, 9, 0), BillMS: 0, Rounds: 0, Level: "F", Hangup: 1},
		sourcetest.Call{ID: 2, CallID: "call-2", TaskID: "G1", CustomerID: "S1", At: at(2025, 11, 25, 11, 30), BillMS: 30000, Rounds: 3, Level: "B", Hangup: 2},
		sourcetest.Call{ID: 3, CallID: "call-3", TaskID: "G1", CustomerID: "S1", At: at(2025, 11, 25, 16, 45), BillMS: 45000, Rounds: 4, Level: "A", Hangup: 2},
		sourcetest.Call{ID: 4, CallID: "call-4", TaskID: "G1", CustomerID: "S2", At: at(2025, 11, 26, 8, 0), BillMS: 1200, Rounds: 1, Level: "E", Hangup: 1},
	)
}

func TestSync_CopiesOneDay(t *testing.T) {
	src := sourcetest.New(t)
	seedScenario(src)
	st := newStore(t)
	svc := NewService(src.Reader(), st, config.SyncConfig{Timeout: time.Minute, ChunkSize: 2}, time.Second)

	res := svc.Sync(context.Background(), model.Date(2025, 11, 25))
	require.Equal(t, model.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, int64(3), res.Count(model.CountFetched))
	assert.Equal(t, int64(3), res.Count(model.CountSynced))

	recs, err := st.ListRecordsInRange(context.Background(), model.Date(2025, 11, 25), model.Date(2025, 11, 26))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	byExt := map[string]model.EnrichedRecord{}
	for _, r := range recs {
		byExt[r.ExternalID] = r
	}
	assert.Equal(t, 0, byExt["call-1"].DurationSeconds)
	assert.Equal(t, model.ConnectFailed, byExt["call-1"].ConnectStatus)
	assert.Equal(t, model.TerminatorRobot, byExt["call-1"].Terminator)
	assert.Equal(t, 30, byExt["call-2"].DurationSeconds)
	assert.Equal(t, model.ConnectConnected, byExt["call-2"].ConnectStatus)
	assert.Equal(t, model.TerminatorCustomer, byExt["call-2"].Terminator)
	assert.Equal(t, 45, byExt["call-3"].DurationSeconds)
	assert.Equal(t, "A", byExt["call-3"].IntentLevel)
	assert.Equal(t, "S1", byExt["call-3"].SubjectID)
	assert.Equal(t, "G1", byExt["call-3"].GroupID)

	last, err := st.LastSyncRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.OutcomeSuccess, last.Outcome)
	assert.Equal(t, []string{"autodialer_call_record_2025_11"}, last.Tables)
	assert.Equal(t, int64(3), last.Fetched)
}

func TestSync_Idempotent(t *testing.T) {
	src := sourcetest.New(t)
	seedScenario(src)
	st := newStore(t)
	svc := NewService(src.Reader(), st, config.SyncConfig{Timeout: time.Minute}, time.Second)
	ctx := context.Background()
	day := model.Date(2025, 11, 25)

	first := svc.Sync(ctx, day)
	require.True(t, first.OK())
	before, err := st.ListRecordsInRange(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)

	second := svc.Sync(ctx, day)
	require.True(t, second.OK())
	assert.Equal(t, int64(3), second.Count(model.CountFetched))
	assert.Equal(t, int64(0), second.Count(model.CountSynced))

	after, err := st.ListRecordsInRange(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].ExternalID, after[i].ExternalID)
		assert.Equal(t, before[i].DurationSeconds, after[i].DurationSeconds)
	}

	counts, err := st.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Total)
}

func TestSync_ShardMissing(t *testing.T) {
	src := sourcetest.New(t)
	st := newStore(t)
	svc := NewService(src.Reader(), st, config.SyncConfig{}, time.Second)

	res := svc.Sync(context.Background(), model.Date(2026, 1, 3))
	assert.Equal(t, model.OutcomeSkipped, res.Outcome)
	assert.Equal(t, model.ReasonShardMissing, res.Reason)

	last, err := st.LastSyncRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.OutcomeSkipped, last.Outcome)
	assert.Equal(t, model.ReasonShardMissing, last.Reason)
}

type fakeSource struct {
	pingErr  error
	fetchErr error
	block    bool
	names    []model.GroupName
}

func (f *fakeSource) Ping(context.Context, time.Duration) error { return f.pingErr }

func (f *fakeSource) FetchCallRecords(ctx context.Context, _ time.Time) ([]source.RawCall, string, error) {
	if f.block {
		<-ctx.Done()
		return nil, "autodialer_call_record_2025_11", ctx.Err()
	}
	return nil, "autodialer_call_record_2025_11", f.fetchErr
}

func (f *fakeSource) FetchGroupNames(context.Context) ([]model.GroupName, error) {
	return f.names, f.fetchErr
}

func TestSync_SourceUnavailable(t *testing.T) {
	st := newStore(t)
	svc := NewService(&fakeSource{pingErr: errors.New("dial tcp: connection refused")}, st, config.SyncConfig{}, time.Second)

	res := svc.Sync(context.Background(), model.Date(2025, 11, 25))
	assert.Equal(t, model.OutcomeSkipped, res.Outcome)
	assert.Equal(t, model.ReasonSourceUnavailable, res.Reason)

	counts, err := st.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Total)
}

func TestSync_Timeout(t *testing.T) {
	st := newStore(t)
	svc := NewService(&fakeSource{block: true}, st, config.SyncConfig{Timeout: 20 * time.Millisecond}, time.Second)

	res := svc.Sync(context.Background(), model.Date(2025, 11, 25))
	assert.Equal(t, model.OutcomeFailed, res.Outcome)
	assert.Equal(t, model.ReasonTimeout, res.Reason)

	last, err := st.LastSyncRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.OutcomeFailed, last.Outcome)
}

func TestSync_QueryError(t *testing.T) {
	st := newStore(t)
	svc := NewService(&fakeSource{fetchErr: errors.New("bad connection")}, st, config.SyncConfig{}, time.Second)

	res := svc.Sync(context.Background(), model.Date(2025, 11, 25))
	assert.Equal(t, model.OutcomeFailed, res.Outcome)
	assert.Equal(t, model.ReasonSourceUnavailable, res.Reason)
	assert.Contains(t, res.Error, "bad connection")
}

func TestSyncRange(t *testing.T) {
	src := sourcetest.New(t)
	seedScenario(src)
	st := newStore(t)
	svc := NewService(src.Reader(), st, config.SyncConfig{}, time.Second)

	results, err := svc.SyncRange(context.Background(), model.Date(2025, 11, 24), model.Date(2025, 11, 26))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(0), results["2025-11-24"].Count(model.CountFetched))
	assert.Equal(t, int64(3), results["2025-11-25"].Count(model.CountSynced))
	assert.Equal(t, int64(1), results["2025-11-26"].Count(model.CountSynced))

	_, err = svc.SyncRange(context.Background(), model.Date(2025, 11, 26), model.Date(2025, 11, 24))
	assert.Error(t, err)
}

func TestSyncGroupNames(t *testing.T) {
	src := sourcetest.New(t)
	src.AddGroup("G1", "Renewals")
	src.AddGroup("G2", "Win-back")
	st := newStore(t)
	svc := NewService(src.Reader(), st, config.SyncConfig{}, time.Second)

	res := svc.SyncGroupNames(context.Background())
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, int64(2), res.Count(model.CountNames))

	names, err := st.GroupNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"G1": "Renewals", "G2": "Win-back"}, names)

	res = NewService(&fakeSource{pingErr: errors.New("down")}, st, config.SyncConfig{}, time.Second).SyncGroupNames(context.Background())
	assert.Equal(t, model.ReasonSourceUnavailable, res.Reason)
}

func TestToRecord(t *testing.T) {
	synced := time.Now().UTC()
	r := ToRecord(source.RawCall{ID: 7, TaskID: "G1", CustomerID: "S9", CallDate: at(2025, 11, 25, 23, 59), BillMS: 1499, HangupDisposition: 9}, "t_2025_11", synced)
	assert.Equal(t, "t_2025_11#7", r.ExternalID)
	assert.Equal(t, 1, r.DurationSeconds)
	assert.Equal(t, model.ConnectConnected, r.ConnectStatus)
	assert.Equal(t, model.TerminatorUnknown, r.Terminator)
	assert.Equal(t, model.Date(2025, 11, 25), r.EventDate)
	assert.NotEmpty(t, r.ID)

	r = ToRecord(source.RawCall{CallID: "c", BillMS: 1500}, "t", synced)
	assert.Equal(t, 2, r.DurationSeconds)
}
