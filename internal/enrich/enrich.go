// Package enrich labels synced call records with sentiment and risk.
package enrich

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/portrait-cli/internal/classify"
	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/resilience"
	"github.com/sells-group/portrait-cli/internal/store"
)

// Fallback reasons recorded in analysis_reason.
const (
	ReasonEmptyDialogue       = "empty_dialogue"
	ReasonUnclassifiable      = "unclassifiable"
	ReasonRetriesExhausted    = "retries_exhausted"
	ReasonDialogueUnavailable = "dialogue_unavailable"
)

var errThrottled = errors.New("enrich: rate limiter wait aborted")

// DialogueSource reads call transcripts from the dialer's detail shards.
type DialogueSource interface {
	FetchDialogue(ctx context.Context, callID string, anchor time.Time, maxTurns int) ([]model.Turn, error)
}

// Service claims unanalyzed records, classifies them through a bounded,
// rate-limited worker pool and writes the labels back.
type Service struct {
	st        store.Store
	dialogues DialogueSource
	clf       classify.Classifier

	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig

	batchSize    int
	concurrency  int
	maxAttempts  int
	callTimeout  time.Duration
	lease        time.Duration
	maxTurns     int
	defaultLimit int

	log *zap.Logger
	now func() time.Time
}

// NewService wires an enrichment service.
func NewService(st store.Store, dialogues DialogueSource, clf classify.Classifier, cfg *config.Config) *Service {
	e := cfg.Enrich
	burst := e.Burst
	if burst <= 0 {
		burst = 1
	}

	retry := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoff,
		cfg.Retry.MaxBackoff, cfg.Retry.Multiplier, cfg.Retry.JitterFraction)
	retry.ShouldRetry = shouldRetry
	retry.OnRetry = resilience.RetryLogger("enrich", "classify", zap.String("provider", clf.Name()))

	log := zap.L().With(zap.String("component", "enrich"))
	breakerCfg := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeout)
	breakerCfg.ShouldTrip = countsAgainstProvider
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		log.Warn("classifier circuit changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Service{
		st:           st,
		dialogues:    dialogues,
		clf:          clf,
		limiter:      rate.NewLimiter(rate.Limit(e.RatePerSecond), burst),
		breaker:      resilience.NewCircuitBreaker(breakerCfg),
		retry:        retry,
		batchSize:    max(e.BatchSize, 1),
		concurrency:  max(e.MaxConcurrency, 1),
		maxAttempts:  max(cfg.Retry.MaxAttempts, 1),
		callTimeout:  e.CallTimeout,
		lease:        e.ClaimLease,
		maxTurns:     e.MaxDialogueTurns,
		defaultLimit: e.DefaultLimit,
		log:          log,
		now:          time.Now,
	}
}

// Breaker exposes the provider circuit for status reporting.
func (s *Service) Breaker() *resilience.CircuitBreaker { return s.breaker }

// AnalyzeBatch claims up to limit records and labels them. Every claimed
// record is written back: analyzed, fallen back, or released for a later run.
func (s *Service) AnalyzeBatch(ctx context.Context, limit int) model.Result {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit <= 0 {
		limit = s.batchSize
	}

	recs, err := s.st.ClaimUnanalyzed(ctx, limit, s.lease)
	if err != nil {
		s.log.Error("claim failed", zap.Error(err))
		return model.Failed(model.ReasonStoreError, err)
	}

	counts := map[string]int64{
		model.CountAttempted: int64(len(recs)),
		model.CountSucceeded: 0,
		model.CountFallback:  0,
		model.CountFailed:    0,
	}
	if len(recs) == 0 {
		return model.Success(counts)
	}

	start := time.Now()
	var saveErr error
	for lo := 0; lo < len(recs); lo += s.batchSize {
		batch := recs[lo:min(lo+s.batchSize, len(recs))]
		analyses := s.runBatch(ctx, batch)

		// Write back even when ctx is done so claims are released now,
		// not when the lease runs out.
		if err := s.st.SaveAnalyses(context.WithoutCancel(ctx), analyses); err != nil {
			s.log.Error("write back failed", zap.Int("records", len(analyses)), zap.Error(err))
			counts[model.CountFailed] += int64(len(analyses))
			saveErr = err
			continue
		}
		for _, a := range analyses {
			switch {
			case !a.Done():
				counts[model.CountFailed]++
			case a.Source == model.SourceFallback:
				counts[model.CountFallback]++
			default:
				counts[model.CountSucceeded]++
			}
		}
	}

	s.log.Info("analyze batch complete",
		zap.Int64("attempted", counts[model.CountAttempted]),
		zap.Int64("succeeded", counts[model.CountSucceeded]),
		zap.Int64("fallback", counts[model.CountFallback]),
		zap.Int64("failed", counts[model.CountFailed]),
		zap.Duration("elapsed", time.Since(start)),
	)

	if saveErr != nil {
		res := model.Failed(model.ReasonStoreError, saveErr)
		res.Counts = counts
		return res
	}
	return model.Success(counts)
}

// AnalyzeAll repeats AnalyzeBatch until nothing is left to claim, a round
// makes no progress, or maxRounds is reached. Counts are summed.
func (s *Service) AnalyzeAll(ctx context.Context, limit, maxRounds int) model.Result {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	total := map[string]int64{}
	for round := 0; round < maxRounds; round++ {
		res := s.AnalyzeBatch(ctx, limit)
		for k, v := range res.Counts {
			total[k] += v
		}
		if res.Outcome != model.OutcomeSuccess {
			res.Counts = total
			return res
		}
		if res.Count(model.CountAttempted) == 0 {
			break
		}
		if res.Count(model.CountSucceeded)+res.Count(model.CountFallback) == 0 {
			s.log.Warn("analyze round made no progress", zap.Int("round", round+1))
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return model.Success(total)
}

func (s *Service) runBatch(ctx context.Context, batch []model.EnrichedRecord) []model.Analysis {
	analyses := make([]model.Analysis, len(batch))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, rec := range batch {
		g.Go(func() error {
			analyses[i] = s.analyze(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return analyses
}

// analyze labels one record. A returned Analysis without AnalyzedAt releases
// the claim.
func (s *Service) analyze(ctx context.Context, rec model.EnrichedRecord) model.Analysis {
	log := s.log.With(zap.String("record_id", rec.ID), zap.String("external_id", rec.ExternalID))

	if ctx.Err() != nil {
		return s.release(rec, ctx.Err())
	}
	if !rec.Connected() {
		return s.done(classify.Fallback(ReasonEmptyDialogue), rec, 0)
	}

	turns, err := s.dialogues.FetchDialogue(ctx, rec.ExternalID, rec.EventDate, s.maxTurns)
	if err != nil {
		if ctx.Err() != nil || rec.AnalysisAttempts+1 < s.maxAttempts {
			log.Warn("dialogue fetch failed", zap.Error(err), zap.Int("attempts", rec.AnalysisAttempts+1))
			return s.release(rec, err)
		}
		log.Warn("dialogue unreadable, using fallback", zap.Int("attempts", rec.AnalysisAttempts+1), zap.Error(err))
		a := s.done(classify.Fallback(ReasonDialogueUnavailable), rec, 1)
		a.Error = model.Truncate(err.Error(), model.MaxRawResponse)
		return a
	}
	if len(turns) == 0 {
		return s.done(classify.Fallback(ReasonEmptyDialogue), rec, 0)
	}

	attempts := 0
	res, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (classify.Result, error) {
		attempts++
		if err := s.limiter.Wait(ctx); err != nil {
			return classify.Result{}, errors.Join(errThrottled, err)
		}
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (classify.Result, error) {
			callCtx, cancel := s.withCallTimeout(ctx)
			defer cancel()
			return s.clf.Classify(callCtx, turns)
		})
	})

	switch {
	case err == nil:
		return s.done(res, rec, attempts)
	case errors.Is(err, classify.ErrUnclassifiable):
		return s.done(classify.Fallback(ReasonUnclassifiable), rec, attempts)
	case ctx.Err() != nil, errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, errThrottled):
		log.Debug("releasing claim", zap.Error(err))
		return s.release(rec, err)
	default:
		log.Warn("classifier gave up, using fallback", zap.Int("attempts", attempts), zap.Error(err))
		fb := classify.Fallback(ReasonRetriesExhausted)
		a := s.done(fb, rec, attempts)
		a.Error = model.Truncate(err.Error(), model.MaxRawResponse)
		return a
	}
}

func (s *Service) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

func (s *Service) done(res classify.Result, rec model.EnrichedRecord, attempts int) model.Analysis {
	a := res.Analysis(rec.ID, max(attempts, 1))
	a.AnalyzedAt = s.now().UTC()
	return a
}

func (s *Service) release(rec model.EnrichedRecord, err error) model.Analysis {
	return model.Analysis{
		RecordID: rec.ID,
		Attempts: 1,
		Error:    model.Truncate(err.Error(), model.MaxRawResponse),
	}
}

func shouldRetry(err error) bool {
	if errors.Is(err, classify.ErrUnclassifiable) ||
		errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, errThrottled) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	return resilience.IsTransient(err) || errors.Is(err, classify.ErrMalformedReply)
}

// countsAgainstProvider keeps per-record verdicts and our own cancellations
// from opening the circuit.
func countsAgainstProvider(err error) bool {
	return !errors.Is(err, classify.ErrUnclassifiable) && !errors.Is(err, context.Canceled)
}
