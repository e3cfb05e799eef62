package enrich

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/classify"
	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/resilience"
	"github.com/sells-group/portrait-cli/internal/store"
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	m.Run()
}

var day = model.Date(2025, 11, 25)

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (classify.Result, error)
}

func (f *fakeClassifier) Name() string { return "fake" }

func (f *fakeClassifier) Classify(_ context.Context, _ []model.Turn) (classify.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n)
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func always(res classify.Result, err error) *fakeClassifier {
	return &fakeClassifier{fn: func(int) (classify.Result, error) { return res, err }}
}

type fakeDialogues struct {
	turns  map[string][]model.Turn
	err    error
	broken map[string]bool
}

func (f *fakeDialogues) FetchDialogue(_ context.Context, callID string, _ time.Time, _ int) ([]model.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.broken[callID] {
		return nil, errors.New("source: scan dialogue " + callID + ": converting NULL to int is unsupported")
	}
	return f.turns[callID], nil
}

func dialogues(ids ...string) *fakeDialogues {
	d := &fakeDialogues{turns: map[string][]model.Turn{}}
	for _, id := range ids {
		d.turns[id] = []model.Turn{
			{Sequence: 1, Robot: "您好，请问是机主吗", Customer: "是的"},
			{Sequence: 2, Robot: "给您介绍一下新套餐", Customer: "好的，谢谢"},
		}
	}
	return d
}

func testConfig() *config.Config {
	return &config.Config{
		Enrich: config.EnrichConfig{
			BatchSize:        2,
			MaxConcurrency:   2,
			RatePerSecond:    1000,
			Burst:            10,
			CallTimeout:      time.Second,
			ClaimLease:       time.Minute,
			MaxDialogueTurns: 40,
			DefaultLimit:     100,
		},
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
		Circuit: config.CircuitConfig{FailureThreshold: 100, ResetTimeout: time.Minute},
	}
}

func newStore(t *testing.T, recs ...model.EnrichedRecord) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	if len(recs) > 0 {
		_, err = st.UpsertRecords(context.Background(), recs)
		require.NoError(t, err)
	}
	return st
}

func call(ext string, connected bool) model.EnrichedRecord {
	status, duration := model.ConnectFailed, 0
	if connected {
		status, duration = model.ConnectConnected, 30
	}
	return model.EnrichedRecord{
		ID:              uuid.NewString(),
		ExternalID:      ext,
		GroupID:         "G1",
		SubjectID:       "S1",
		EventDate:       day,
		EventTime:       day.Add(9 * time.Hour),
		DurationSeconds: duration,
		Terminator:      model.TerminatorCustomer,
		ConnectStatus:   status,
		SyncedAt:        time.Now().UTC(),
	}
}

func byExternalID(t *testing.T, st store.Store) map[string]model.EnrichedRecord {
	t.Helper()
	recs, err := st.ListRecordsInRange(context.Background(), day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	out := make(map[string]model.EnrichedRecord, len(recs))
	for _, r := range recs {
		out[r.ExternalID] = r
	}
	return out
}

var positive = classify.Result{
	Sentiment:     model.SentimentPositive,
	Score:         0.8,
	ComplaintRisk: model.RiskLow,
	ChurnRisk:     model.RiskLow,
	Reason:        "thanked the agent",
	Source:        model.SourceLLM,
}

func TestAnalyzeBatch_LabelsRecords(t *testing.T) {
	st := newStore(t, call("c1", true), call("c2", true), call("c3", false))
	clf := always(positive, nil)
	svc := NewService(st, dialogues("c1", "c2"), clf, testConfig())

	res := svc.AnalyzeBatch(context.Background(), 10)
	require.Equal(t, model.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, int64(3), res.Count(model.CountAttempted))
	assert.Equal(t, int64(2), res.Count(model.CountSucceeded))
	assert.Equal(t, int64(1), res.Count(model.CountFallback))
	assert.Equal(t, int64(0), res.Count(model.CountFailed))
	assert.Equal(t, 2, clf.Calls(), "unconnected calls never reach the classifier")

	recs := byExternalID(t, st)
	assert.Equal(t, model.SentimentPositive, recs["c1"].Sentiment)
	assert.Equal(t, model.SourceLLM, recs["c1"].AnalysisSource)
	require.NotNil(t, recs["c1"].AnalyzedAt)
	assert.Nil(t, recs["c1"].ClaimedAt)

	assert.Equal(t, model.SourceFallback, recs["c3"].AnalysisSource)
	assert.Equal(t, ReasonEmptyDialogue, recs["c3"].AnalysisReason)
	assert.Equal(t, model.SentimentNeutral, recs["c3"].Sentiment)

	counts, err := st.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Analyzed)
	assert.Equal(t, int64(0), counts.Claimed)
}

func TestAnalyzeBatch_EmptyDialogue(t *testing.T) {
	st := newStore(t, call("c1", true))
	clf := always(positive, nil)
	svc := NewService(st, dialogues(), clf, testConfig())

	res := svc.AnalyzeBatch(context.Background(), 10)
	assert.Equal(t, int64(1), res.Count(model.CountFallback))
	assert.Equal(t, 0, clf.Calls())
	assert.Equal(t, ReasonEmptyDialogue, byExternalID(t, st)["c1"].AnalysisReason)
}

func TestAnalyzeBatch_FallbackAfterRetries(t *testing.T) {
	st := newStore(t, call("c1", true))
	clf := always(classify.Result{}, resilience.NewTransientError(errors.New("overloaded"), 529))
	svc := NewService(st, dialogues("c1"), clf, testConfig())

	res := svc.AnalyzeBatch(context.Background(), 10)
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(1), res.Count(model.CountFallback))
	assert.Equal(t, 3, clf.Calls())

	rec := byExternalID(t, st)["c1"]
	require.NotNil(t, rec.AnalyzedAt, "a record never stays unanalyzed after retries run out")
	assert.Equal(t, ReasonRetriesExhausted, rec.AnalysisReason)
	assert.Equal(t, model.SentimentNeutral, rec.Sentiment)
	require.NotNil(t, rec.SentimentScore)
	assert.Equal(t, 0.5, *rec.SentimentScore)
	assert.Equal(t, model.RiskLow, rec.ComplaintRisk)
	assert.Equal(t, model.RiskLow, rec.ChurnRisk)
	assert.Equal(t, 3, rec.AnalysisAttempts)
	assert.Contains(t, rec.LastError, "overloaded")

	// Nothing is left to claim.
	again := svc.AnalyzeBatch(context.Background(), 10)
	assert.Equal(t, int64(0), again.Count(model.CountAttempted))
}

func TestAnalyzeBatch_MalformedThenValid(t *testing.T) {
	st := newStore(t, call("c1", true))
	clf := &fakeClassifier{fn: func(n int) (classify.Result, error) {
		if n == 1 {
			return classify.Result{}, classify.ErrMalformedReply
		}
		return positive, nil
	}}
	svc := NewService(st, dialogues("c1"), clf, testConfig())

	res := svc.AnalyzeBatch(context.Background(), 10)
	assert.Equal(t, int64(1), res.Count(model.CountSucceeded))
	assert.Equal(t, 2, clf.Calls())
	assert.Equal(t, 2, byExternalID(t, st)["c1"].AnalysisAttempts)
}

func TestAnalyzeBatch_Unclassifiable(t *testing.T) {
	st := newStore(t, call("c1", true))
	clf := always(classify.Result{}, classify.ErrUnclassifiable)
	svc := NewService(st, dialogues("c1"), clf, testConfig())

	res := svc.AnalyzeBatch(context.Background(), 10)
	assert.Equal(t, int64(1), res.Count(model.CountFallback))
	assert.Equal(t, 1, clf.Calls(), "unclassifiable is not retried")
	assert.Equal(t, ReasonUnclassifiable, byExternalID(t, st)["c1"].AnalysisReason)
}

func TestAnalyzeBatch_CircuitOpenReleasesClaim(t *testing.T) {
	st := newStore(t, call("c1", true), call("c2", true))
	cfg := testConfig()
	cfg.Enrich.MaxConcurrency = 1
	cfg.Retry.MaxAttempts = 1
	cfg.Circuit.FailureThreshold = 1
	clf := always(classify.Result{}, resilience.NewTransientError(errors.New("bad gateway"), 502))
	svc := NewService(st, dialogues("c1", "c2"), clf, cfg)

	res := svc.AnalyzeBatch(context.Background(), 10)
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(1), res.Count(model.CountFallback))
	assert.Equal(t, int64(1), res.Count(model.CountFailed))
	assert.Equal(t, 1, clf.Calls())
	assert.Equal(t, resilience.CircuitOpen, svc.Breaker().State())

	counts, err := st.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Analyzed)
	assert.Equal(t, int64(0), counts.Claimed, "released records are claimable again")
}

func TestAnalyzeBatch_DialogueErrorReleasesClaim(t *testing.T) {
	st := newStore(t, call("c1", true))
	src := &fakeDialogues{err: errors.New("source: query dialogue c1: connection refused")}
	svc := NewService(st, src, always(positive, nil), testConfig())

	res := svc.AnalyzeBatch(context.Background(), 10)
	assert.Equal(t, int64(1), res.Count(model.CountFailed))

	rec := byExternalID(t, st)["c1"]
	assert.Nil(t, rec.AnalyzedAt)
	assert.Nil(t, rec.ClaimedAt)
	assert.Equal(t, 1, rec.AnalysisAttempts)
	assert.Contains(t, rec.LastError, "connection refused")

	// Source recovers; the record is picked up again.
	src.err = nil
	src.turns = dialogues("c1").turns
	res = svc.AnalyzeBatch(context.Background(), 10)
	assert.Equal(t, int64(1), res.Count(model.CountSucceeded))
}

func TestAnalyzeBatch_UnreadableDialogueFallsBack(t *testing.T) {
	bad := call("bad", true)
	bad.EventDate = day.AddDate(0, 0, 1)
	st := newStore(t, bad, call("good", true))
	src := dialogues("bad", "good")
	src.broken = map[string]bool{"bad": true}
	svc := NewService(st, src, always(positive, nil), testConfig())

	// The newest record is claimed first; it is released until attempts run out.
	for i := 1; i < testConfig().Retry.MaxAttempts; i++ {
		res := svc.AnalyzeBatch(context.Background(), 1)
		require.Equal(t, int64(1), res.Count(model.CountFailed), "round %d", i)
	}
	res := svc.AnalyzeBatch(context.Background(), 1)
	assert.Equal(t, int64(1), res.Count(model.CountFallback))
	assert.Equal(t, int64(0), res.Count(model.CountFailed))

	res = svc.AnalyzeAll(context.Background(), 1, 10)
	assert.Equal(t, int64(1), res.Count(model.CountSucceeded))

	recs, err := st.ListRecordsInRange(context.Background(), day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.NotNil(t, r.AnalyzedAt, r.ExternalID)
		if r.ExternalID == "bad" {
			assert.Equal(t, model.SourceFallback, r.AnalysisSource)
			assert.Equal(t, ReasonDialogueUnavailable, r.AnalysisReason)
			assert.Equal(t, model.SentimentNeutral, r.Sentiment)
			assert.Equal(t, testConfig().Retry.MaxAttempts, r.AnalysisAttempts)
			assert.Contains(t, r.LastError, "NULL")
		} else {
			assert.Equal(t, model.SentimentPositive, r.Sentiment)
		}
	}
}

func TestAnalyzeBatch_CircuitOpenKeepsReleasing(t *testing.T) {
	st := newStore(t, call("c1", true))
	cfg := testConfig()
	cfg.Circuit.FailureThreshold = 1
	svc := NewService(st, dialogues("c1"), always(positive, nil), cfg)
	_ = svc.Breaker().Execute(context.Background(), func(context.Context) error {
		return errors.New("bad gateway")
	})
	require.Equal(t, resilience.CircuitOpen, svc.Breaker().State())

	for i := 0; i < testConfig().Retry.MaxAttempts+2; i++ {
		res := svc.AnalyzeBatch(context.Background(), 10)
		require.Equal(t, int64(1), res.Count(model.CountFailed))
	}
	rec := byExternalID(t, st)["c1"]
	assert.Nil(t, rec.AnalyzedAt)
	assert.Equal(t, testConfig().Retry.MaxAttempts+2, rec.AnalysisAttempts)
}

func TestAnalyzeBatch_CancelledReleasesAll(t *testing.T) {
	st := newStore(t, call("c1", true), call("c2", true), call("c3", true))
	clf := always(positive, nil)
	svc := NewService(st, dialogues("c1", "c2", "c3"), clf, testConfig())

	claimed, err := st.ClaimUnanalyzed(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	analyses := svc.runBatch(ctx, claimed)
	require.Len(t, analyses, 3)
	for _, a := range analyses {
		assert.False(t, a.Done())
		assert.Equal(t, 1, a.Attempts)
	}
	assert.Equal(t, 0, clf.Calls())

	require.NoError(t, st.SaveAnalyses(context.Background(), analyses))
	counts, err := st.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Analyzed)
	assert.Equal(t, int64(0), counts.Claimed)
}

func TestAnalyzeAll_DrainsBacklog(t *testing.T) {
	var recs []model.EnrichedRecord
	var ids []string
	for _, ext := range []string{"c1", "c2", "c3", "c4", "c5"} {
		recs = append(recs, call(ext, true))
		ids = append(ids, ext)
	}
	st := newStore(t, recs...)
	svc := NewService(st, dialogues(ids...), always(positive, nil), testConfig())

	res := svc.AnalyzeAll(context.Background(), 2, 10)
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(5), res.Count(model.CountAttempted))
	assert.Equal(t, int64(5), res.Count(model.CountSucceeded))
}

func TestAnalyzeAll_StopsWithoutProgress(t *testing.T) {
	st := newStore(t, call("c1", true))
	src := &fakeDialogues{err: errors.New("detail shard offline")}
	svc := NewService(st, src, always(positive, nil), testConfig())

	res := svc.AnalyzeAll(context.Background(), 10, 5)
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(1), res.Count(model.CountAttempted), "one round, then stop")
	assert.Equal(t, int64(1), res.Count(model.CountFailed))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	assert.True(t, shouldRetry(resilience.NewTransientError(errors.New("x"), 429)))
	assert.True(t, shouldRetry(classify.ErrMalformedReply))
	assert.True(t, shouldRetry(context.DeadlineExceeded))
	assert.False(t, shouldRetry(classify.ErrUnclassifiable))
	assert.False(t, shouldRetry(resilience.ErrCircuitOpen))
	assert.False(t, shouldRetry(context.Canceled))
	assert.False(t, shouldRetry(errors.New("invalid api key")))
	assert.False(t, shouldRetry(errors.Join(errThrottled, context.DeadlineExceeded)))
}

func TestAnalyzeBatch_RateAndConcurrencyBounded(t *testing.T) {
	recs := make([]model.EnrichedRecord, 0, 6)
	ids := make([]string, 0, 6)
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		recs = append(recs, call(id, true))
		ids = append(ids, id)
	}
	st := newStore(t, recs...)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	clf := &fakeClassifier{fn: func(int) (classify.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return positive, nil
	}}

	cfg := testConfig()
	cfg.Enrich.BatchSize = 6
	cfg.Enrich.MaxConcurrency = 2
	cfg.Enrich.RatePerSecond = 20
	cfg.Enrich.Burst = 1
	svc := NewService(st, dialogues(ids...), clf, cfg)

	start := time.Now()
	res := svc.AnalyzeBatch(context.Background(), 10)
	elapsed := time.Since(start)

	require.Equal(t, model.OutcomeSuccess, res.Outcome, res.Error)
	assert.Equal(t, int64(6), res.Count(model.CountSucceeded))
	// Five waits of 50ms after the single burst token.
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.LessOrEqual(t, maxInFlight, 2)
}
