// Package etl copies call events from the dialer's sharded source tables into
// the enriched store.
package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/shard"
	"github.com/sells-group/portrait-cli/internal/source"
	"github.com/sells-group/portrait-cli/internal/store"
)

// Source is the read side of the dialer database used by sync.
type Source interface {
	Ping(ctx context.Context, timeout time.Duration) error
	FetchCallRecords(ctx context.Context, date time.Time) ([]source.RawCall, string, error)
	FetchGroupNames(ctx context.Context) ([]model.GroupName, error)
}

// Service runs sync units. A unit is one calendar day.
type Service struct {
	src         Source
	st          store.Store
	timeout     time.Duration
	pingTimeout time.Duration
	chunkSize   int
	now         func() time.Time
}

// NewService creates a sync service.
func NewService(src Source, st store.Store, cfg config.SyncConfig, pingTimeout time.Duration) *Service {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 1000
	}
	return &Service{
		src:         src,
		st:          st,
		timeout:     cfg.Timeout,
		pingTimeout: pingTimeout,
		chunkSize:   chunk,
		now:         time.Now,
	}
}

// Sync copies every call placed on date into the enriched store. Re-running
// a date is idempotent: rows are keyed by the source call id.
func (s *Service) Sync(ctx context.Context, date time.Time) model.Result {
	day := model.DateOf(date)
	log := zap.L().With(zap.String("component", "etl.sync"), zap.String("date", day.Format(model.DateLayout)))

	run := model.SyncRun{ID: uuid.NewString(), TargetDate: day, StartedAt: s.now().UTC()}
	res := s.syncDay(ctx, day, &run, log)

	run.Outcome = res.Outcome
	run.Reason = res.Reason
	run.FinishedAt = s.now().UTC()
	// The unit may have timed out; the log row is still written.
	if err := s.st.RecordSyncRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("etl: record sync run", zap.Error(err))
	}
	return res
}

func (s *Service) syncDay(ctx context.Context, day time.Time, run *model.SyncRun, log *zap.Logger) model.Result {
	if err := s.src.Ping(ctx, s.pingTimeout); err != nil {
		log.Warn("source unavailable, skipping sync", zap.Error(err))
		return model.Skipped(model.ReasonSourceUnavailable)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	calls, table, err := s.src.FetchCallRecords(ctx, day)
	if table != "" {
		run.Tables = []string{table}
	}
	switch {
	case errors.Is(err, source.ErrTableMissing):
		log.Info("shard table missing, nothing to sync", zap.String("table", table))
		return model.Skipped(model.ReasonShardMissing)
	case errors.Is(err, shard.ErrUnresolvableShard):
		log.Error("cannot resolve shard", zap.Error(err))
		return model.Failed(model.ReasonUnresolvableShard, err)
	case err != nil:
		return contextFailure(ctx, err, model.ReasonSourceUnavailable, log)
	}
	run.Fetched = int64(len(calls))

	recs := make([]model.EnrichedRecord, 0, len(calls))
	syncedAt := s.now().UTC()
	for _, c := range calls {
		recs = append(recs, ToRecord(c, table, syncedAt))
	}

	var upserted int64
	for i := 0; i < len(recs); i += s.chunkSize {
		end := min(i+s.chunkSize, len(recs))
		n, err := s.st.UpsertRecords(ctx, recs[i:end])
		if err != nil {
			return contextFailure(ctx, err, model.ReasonStoreError, log)
		}
		upserted += n
	}
	run.Upserted = upserted

	log.Info("sync complete",
		zap.String("table", table),
		zap.Int("fetched", len(calls)),
		zap.Int64("upserted", upserted),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.Success(map[string]int64{
		model.CountFetched: int64(len(calls)),
		model.CountSynced:  upserted,
	})
}

// SyncRange syncs each day of the inclusive range in order. It stops early
// only when ctx is cancelled.
func (s *Service) SyncRange(ctx context.Context, start, end time.Time) (map[string]model.Result, error) {
	start, end = model.DateOf(start), model.DateOf(end)
	if end.Before(start) {
		return nil, eris.Errorf("etl: range end %s before start %s", end.Format(model.DateLayout), start.Format(model.DateLayout))
	}
	out := make(map[string]model.Result)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "etl: sync range")
		}
		out[d.Format(model.DateLayout)] = s.Sync(ctx, d)
	}
	return out, nil
}

// SyncGroupNames refreshes display names from the dialer's task table.
func (s *Service) SyncGroupNames(ctx context.Context) model.Result {
	log := zap.L().With(zap.String("component", "etl.groups"))

	if err := s.src.Ping(ctx, s.pingTimeout); err != nil {
		log.Warn("source unavailable, skipping group names", zap.Error(err))
		return model.Skipped(model.ReasonSourceUnavailable)
	}
	names, err := s.src.FetchGroupNames(ctx)
	if err != nil {
		return contextFailure(ctx, err, model.ReasonSourceUnavailable, log)
	}
	now := s.now().UTC()
	for i := range names {
		names[i].UpdatedAt = now
	}
	n, err := s.st.UpsertGroupNames(ctx, names)
	if err != nil {
		log.Error("store group names", zap.Error(err))
		return model.Failed(model.ReasonStoreError, err)
	}
	log.Info("group names synced", zap.Int("fetched", len(names)), zap.Int64("updated", n))
	return model.Success(map[string]int64{model.CountFetched: int64(len(names)), model.CountNames: n})
}

// ToRecord maps a source row. The source bills in milliseconds; durations are
// rounded to whole seconds and a call counts as connected once billed.
func ToRecord(c source.RawCall, table string, syncedAt time.Time) model.EnrichedRecord {
	ext := c.CallID
	if ext == "" {
		ext = fmt.Sprintf("%s#%d", table, c.ID)
	}
	status := model.ConnectFailed
	if c.BillMS > 0 {
		status = model.ConnectConnected
	}
	return model.EnrichedRecord{
		ID:                uuid.NewString(),
		ExternalID:        ext,
		GroupID:           c.TaskID,
		SubjectID:         c.CustomerID,
		EventDate:         model.DateOf(c.CallDate),
		EventTime:         c.CallDate,
		DurationSeconds:   int((c.BillMS + 500) / 1000),
		InteractionRounds: c.Rounds,
		Terminator:        model.TerminatorFromDisposition(c.HangupDisposition),
		ConnectStatus:     status,
		IntentLevel:       c.LevelName,
		SyncedAt:          syncedAt,
	}
}

// contextFailure classifies err, preferring the unit's own deadline or
// cancellation over the given reason.
func contextFailure(ctx context.Context, err error, reason string, log *zap.Logger) model.Result {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		log.Error("sync timed out", zap.Error(err))
		return model.Failed(model.ReasonTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return model.Failed(model.ReasonCancelled, err)
	}
	log.Error("sync failed", zap.Error(err), zap.String("reason", reason))
	return model.Failed(reason, err)
}
