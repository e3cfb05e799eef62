// Package admin exposes the manual operations shared by the CLI, the HTTP
// admin routes and the scheduler.
package admin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/aggregate"
	"github.com/sells-group/portrait-cli/internal/enrich"
	"github.com/sells-group/portrait-cli/internal/etl"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/registry"
	"github.com/sells-group/portrait-cli/internal/store"
)

// Pinger reports whether the dialer database is reachable.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// Deps wires the services behind the admin surface.
type Deps struct {
	Store       store.Store
	Source      Pinger
	Sync        *etl.Service
	Enrich      *enrich.Service
	Aggregator  *aggregate.Aggregator
	Registry    *registry.Registry
	Location    *time.Location
	PingTimeout time.Duration
	// AnalyzeLimit is used when Analyze is called with a non-positive limit.
	AnalyzeLimit int
}

// Service runs admin operations. Every operation returns a model.Result.
type Service struct {
	st          store.Store
	src         Pinger
	syncer      *etl.Service
	enricher    *enrich.Service
	agg         *aggregate.Aggregator
	reg         *registry.Registry
	loc         *time.Location
	pingTimeout time.Duration
	limit       int
	now         func() time.Time
}

// New creates an admin service.
func New(d Deps) *Service {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	pt := d.PingTimeout
	if pt <= 0 {
		pt = 5 * time.Second
	}
	reg := d.Registry
	if reg == nil {
		reg = registry.New(d.Store)
	}
	return &Service{
		st:          d.Store,
		src:         d.Source,
		syncer:      d.Sync,
		enricher:    d.Enrich,
		agg:         d.Aggregator,
		reg:         reg,
		loc:         loc,
		pingTimeout: pt,
		limit:       d.AnalyzeLimit,
		now:         time.Now,
	}
}

// Location is the calendar used to interpret dates and periods.
func (s *Service) Location() *time.Location { return s.loc }

// Today returns the current calendar day in the service's location.
func (s *Service) Today() time.Time {
	return model.DateOf(s.now().In(s.loc))
}

// Sync copies one day of calls. A zero date means yesterday.
func (s *Service) Sync(ctx context.Context, date time.Time) model.Result {
	if date.IsZero() {
		date = s.Today().AddDate(0, 0, -1)
	}
	res := s.syncer.Sync(ctx, date)
	s.logResult("sync", res, zap.String("date", model.DateOf(date).Format(model.DateLayout)))
	return res
}

// SyncRange syncs every day in the inclusive range.
func (s *Service) SyncRange(ctx context.Context, start, end time.Time) (map[string]model.Result, error) {
	return s.syncer.SyncRange(ctx, start, end)
}

// Analyze runs one enrichment batch of up to limit records.
func (s *Service) Analyze(ctx context.Context, limit int) model.Result {
	if limit <= 0 {
		limit = s.limit
	}
	res := s.enricher.AnalyzeBatch(ctx, limit)
	s.logResult("analyze", res, zap.Int("limit", limit))
	return res
}

// AnalyzeAll drains the backlog in rounds of limit records.
func (s *Service) AnalyzeAll(ctx context.Context, limit, maxRounds int) model.Result {
	if limit <= 0 {
		limit = s.limit
	}
	res := s.enricher.AnalyzeAll(ctx, limit, maxRounds)
	s.logResult("analyze_all", res, zap.Int("limit", limit), zap.Int("max_rounds", maxRounds))
	return res
}

// ComputeSnapshot computes the subject snapshots of one period.
func (s *Service) ComputeSnapshot(ctx context.Context, typ, key string, force bool) model.Result {
	pt, err := model.ParsePeriodType(typ)
	if err != nil {
		return model.Failed(model.ReasonInvalidPeriod, err)
	}
	res := s.agg.ComputeSubjectSnapshots(ctx, pt, key, force)
	s.logResult("compute_snapshot", res, zap.String("period", typ+":"+key), zap.Bool("force", force))
	return res
}

// ComputeGroupSummary computes the group summaries of one period.
func (s *Service) ComputeGroupSummary(ctx context.Context, typ, key string, force bool) model.Result {
	pt, err := model.ParsePeriodType(typ)
	if err != nil {
		return model.Failed(model.ReasonInvalidPeriod, err)
	}
	res := s.agg.ComputeGroupSummary(ctx, pt, key, force)
	s.logResult("compute_summary", res, zap.String("period", typ+":"+key), zap.Bool("force", force))
	return res
}

// ComputePeriod computes snapshots, then the summary, for one period.
func (s *Service) ComputePeriod(ctx context.Context, p model.Period, force bool) (snapshots, summary model.Result) {
	snapshots, summary = s.agg.ComputePeriod(ctx, p, force)
	s.logResult("compute_snapshot", snapshots, zap.Stringer("period", p))
	s.logResult("compute_summary", summary, zap.Stringer("period", p))
	return snapshots, summary
}

// SyncGroupNames refreshes group display names from the dialer.
func (s *Service) SyncGroupNames(ctx context.Context) model.Result {
	res := s.syncer.SyncGroupNames(ctx)
	s.logResult("sync_group_names", res)
	return res
}

// ResetPeriod moves a period stuck in computing to failed so a forced
// compute can run again.
func (s *Service) ResetPeriod(ctx context.Context, typ, key string) model.Result {
	pt, err := model.ParsePeriodType(typ)
	if err != nil {
		return model.Failed(model.ReasonInvalidPeriod, err)
	}
	p, err := model.ParsePeriod(pt, key)
	if err != nil {
		return model.Failed(model.ReasonInvalidPeriod, err)
	}
	res := s.reg.ResetStale(ctx, p)
	s.logResult("reset_period", res, zap.Stringer("period", p))
	return res
}

// ListPeriods returns registry entries, newest first. An empty type lists
// every granularity.
func (s *Service) ListPeriods(ctx context.Context, typ string, limit int) ([]model.PeriodEntry, error) {
	var pt model.PeriodType
	if typ != "" {
		parsed, err := model.ParsePeriodType(typ)
		if err != nil {
			return nil, err
		}
		pt = parsed
	}
	return s.reg.List(ctx, pt, limit)
}

// Store returns the underlying store for read paths.
func (s *Service) Store() store.Store { return s.st }

func (s *Service) logResult(op string, res model.Result, fields ...zap.Field) {
	log := zap.L().With(zap.String("component", "admin"), zap.String("op", op))
	fields = append(fields, zap.String("outcome", string(res.Outcome)), zap.Any("counts", res.Counts))
	switch res.Outcome {
	case model.OutcomeFailed:
		log.Error("operation failed", append(fields, zap.String("reason", res.Reason), zap.String("error", res.Error))...)
	case model.OutcomeSkipped:
		log.Info("operation skipped", append(fields, zap.String("reason", res.Reason))...)
	default:
		log.Info("operation finished", fields...)
	}
}
