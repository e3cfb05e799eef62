// Package aggregate folds enriched records into per-subject snapshots and
// snapshots into per-group summaries for a reporting period.
package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/registry"
	"github.com/sells-group/portrait-cli/internal/store"
)

var errAborted = eris.New("aggregate: computation aborted")

// Aggregator computes snapshots under registry leases.
type Aggregator struct {
	st  store.Store
	reg *registry.Registry
	loc *time.Location
	log *zap.Logger
	now func() time.Time
}

// New creates an aggregator. loc decides when a period has ended.
func New(st store.Store, reg *registry.Registry, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		st:  st,
		reg: reg,
		loc: loc,
		log: zap.L().With(zap.String("component", "aggregate")),
		now: time.Now,
	}
}

// ComputeSubjectSnapshots rebuilds every subject snapshot of the period.
// Unless forced, a period that has not ended yet is refused.
func (a *Aggregator) ComputeSubjectSnapshots(ctx context.Context, typ model.PeriodType, key string, force bool) model.Result {
	p, err := model.ParsePeriod(typ, key)
	if err != nil {
		return model.Failed(model.ReasonInvalidPeriod, err)
	}
	log := a.log.With(zap.String("period", p.String()))

	if !force && !p.Ended(a.now().In(a.loc)) {
		return model.Skipped(model.ReasonPeriodNotEnded)
	}

	lease, res := a.reg.Acquire(ctx, p, force)
	if lease == nil {
		log.Info("snapshot compute skipped", zap.String("outcome", string(res.Outcome)), zap.String("reason", res.Reason))
		return res
	}
	defer lease.Fail(ctx, errAborted) //nolint:errcheck

	start := time.Now()
	recs, err := a.st.ListRecordsInRange(ctx, p.Start, p.EndExclusive())
	if err != nil {
		return a.abort(ctx, lease, err, model.ReasonStoreError)
	}

	snaps := FoldSubjects(p, recs, a.now().UTC())
	if err := a.st.ReplaceSubjectSnapshots(ctx, p, snaps); err != nil {
		return a.abort(ctx, lease, err, model.ReasonStoreError)
	}

	counts := map[string]int64{
		model.CountSubjects: int64(len(snaps)),
		model.CountRecords:  int64(len(recs)),
	}
	if err := lease.Complete(ctx, counts); err != nil {
		return model.Failed(model.ReasonStoreError, err)
	}

	log.Info("subject snapshots computed",
		zap.Int("subjects", len(snaps)),
		zap.Int("records", len(recs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return model.Success(counts)
}

// ComputeGroupSummary rebuilds the period's group summaries from its subject
// snapshots. It never reads enriched records.
func (a *Aggregator) ComputeGroupSummary(ctx context.Context, typ model.PeriodType, key string, force bool) model.Result {
	p, err := model.ParsePeriod(typ, key)
	if err != nil {
		return model.Failed(model.ReasonInvalidPeriod, err)
	}
	log := a.log.With(zap.String("period", p.String()))

	lease, res := a.reg.AcquireSummary(ctx, p, force)
	if lease == nil {
		log.Info("group summary skipped", zap.String("outcome", string(res.Outcome)), zap.String("reason", res.Reason))
		return res
	}
	defer lease.Fail(ctx, errAborted) //nolint:errcheck

	snaps, _, err := a.st.ListSubjectSnapshots(ctx, store.SubjectFilter{PeriodType: p.Type, PeriodKey: p.Key})
	if err != nil {
		return a.abort(ctx, lease, err, model.ReasonStoreError)
	}
	names, err := a.st.GroupNames(ctx)
	if err != nil {
		return a.abort(ctx, lease, err, model.ReasonStoreError)
	}

	sums := FoldGroups(p, snaps, names, a.now().UTC())
	if err := a.st.ReplaceGroupSummaries(ctx, p, sums); err != nil {
		return a.abort(ctx, lease, err, model.ReasonStoreError)
	}

	counts := map[string]int64{
		model.CountGroups:   int64(len(sums)),
		model.CountSubjects: int64(len(snaps)),
	}
	if err := lease.Complete(ctx, counts); err != nil {
		return model.Failed(model.ReasonStoreError, err)
	}

	log.Info("group summaries computed", zap.Int("groups", len(sums)), zap.Int("subjects", len(snaps)))
	return model.Success(counts)
}

// ComputePeriod runs snapshots then summaries. The summary is attempted when
// the snapshots are in place, whether computed now or earlier.
func (a *Aggregator) ComputePeriod(ctx context.Context, p model.Period, force bool) (snapshots, summary model.Result) {
	snapshots = a.ComputeSubjectSnapshots(ctx, p.Type, p.Key, force)
	if !snapshots.OK() && snapshots.Reason != model.ReasonAlreadyCompleted {
		return snapshots, model.Skipped(model.ReasonSubjectSnapshotsMissing)
	}
	return snapshots, a.ComputeGroupSummary(ctx, p.Type, p.Key, force)
}

func (a *Aggregator) abort(ctx context.Context, lease *registry.Lease, err error, reason string) model.Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = model.ReasonTimeout
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		reason = model.ReasonCancelled
	}
	a.log.Error("period computation failed",
		zap.String("period", lease.Period().String()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if ferr := lease.Fail(ctx, err); ferr != nil {
		a.log.Warn("release after failure", zap.Error(ferr))
	}
	return model.Failed(reason, err)
}
