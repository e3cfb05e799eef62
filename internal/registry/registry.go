// Package registry guards period computations. A period moves
// pending → computing → completed|failed; the only way into computing is a
// conditional update in the store, so at most one worker holds a period.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/store"
)

// NoteResetByOperator is recorded when an operator clears a stuck computation.
const NoteResetByOperator = "reset_by_operator"

// Registry hands out period leases.
type Registry struct {
	st  store.Store
	log *zap.Logger
}

// New creates a registry backed by st.
func New(st store.Store) *Registry {
	return &Registry{st: st, log: zap.L().With(zap.String("component", "registry"))}
}

// Acquire takes the snapshot lease of p. The entry is created as pending on
// first use. Without force only a pending period can be taken; with force a
// completed or failed period is taken over too. A computing period is never
// taken over. When no lease is returned the Result says why.
func (r *Registry) Acquire(ctx context.Context, p model.Period, force bool) (*Lease, model.Result) {
	if err := r.st.EnsurePeriod(ctx, p); err != nil {
		return nil, model.Failed(model.ReasonStoreError, err)
	}

	from := []model.PeriodStatus{model.PeriodPending}
	if force {
		from = append(from, model.PeriodCompleted, model.PeriodFailed)
	}
	ok, err := r.st.TransitionPeriod(ctx, p.Type, p.Key, from, model.PeriodComputing, "")
	if err != nil {
		return nil, model.Failed(model.ReasonStoreError, err)
	}
	if ok {
		r.log.Info("period lease acquired", zap.String("period", p.String()), zap.Bool("force", force))
		return r.lease(p, snapshotLease), model.Success(nil)
	}

	entry, err := r.st.GetPeriod(ctx, p.Type, p.Key)
	if err != nil {
		return nil, model.Failed(model.ReasonStoreError, err)
	}
	if entry == nil {
		return nil, model.Failed(model.ReasonStoreError, eris.Errorf("registry: period %s vanished", p))
	}
	switch entry.Status {
	case model.PeriodComputing:
		return nil, model.Skipped(model.ReasonAlreadyComputing)
	case model.PeriodCompleted:
		return nil, model.Skipped(model.ReasonAlreadyCompleted)
	default:
		return nil, model.Skipped(model.ReasonFailedRequiresForce)
	}
}

// AcquireSummary takes the group-summary lease of p. Subject snapshots must
// be completed first. Without force a summary newer than the snapshots is
// left alone.
func (r *Registry) AcquireSummary(ctx context.Context, p model.Period, force bool) (*Lease, model.Result) {
	entry, err := r.st.GetPeriod(ctx, p.Type, p.Key)
	if err != nil {
		return nil, model.Failed(model.ReasonStoreError, err)
	}
	if entry == nil {
		return nil, model.Skipped(model.ReasonSubjectSnapshotsMissing)
	}
	if !force && entry.Status == model.PeriodCompleted && entry.SummaryFresh() {
		return nil, model.Skipped(model.ReasonAlreadyCompleted)
	}

	ok, err := r.st.TransitionPeriod(ctx, p.Type, p.Key,
		[]model.PeriodStatus{model.PeriodCompleted}, model.PeriodComputing, "")
	if err != nil {
		return nil, model.Failed(model.ReasonStoreError, err)
	}
	if ok {
		r.log.Info("summary lease acquired", zap.String("period", p.String()), zap.Bool("force", force))
		return r.lease(p, summaryLease), model.Success(nil)
	}

	entry, err = r.st.GetPeriod(ctx, p.Type, p.Key)
	if err != nil {
		return nil, model.Failed(model.ReasonStoreError, err)
	}
	if entry != nil && entry.Status == model.PeriodComputing {
		return nil, model.Skipped(model.ReasonAlreadyComputing)
	}
	return nil, model.Skipped(model.ReasonSubjectSnapshotsMissing)
}

// ResetStale moves a period stuck in computing to failed so a forced
// recompute can take it. Use it only when no worker holds the lease.
func (r *Registry) ResetStale(ctx context.Context, p model.Period) model.Result {
	ok, err := r.st.TransitionPeriod(ctx, p.Type, p.Key,
		[]model.PeriodStatus{model.PeriodComputing}, model.PeriodFailed, NoteResetByOperator)
	if err != nil {
		return model.Failed(model.ReasonStoreError, err)
	}
	if !ok {
		return model.Skipped(model.ReasonNotComputing)
	}
	r.log.Warn("period reset by operator", zap.String("period", p.String()))
	return model.Success(nil)
}

// List returns registry entries, newest first. An empty typ lists every type.
func (r *Registry) List(ctx context.Context, typ model.PeriodType, limit int) ([]model.PeriodEntry, error) {
	return r.st.ListPeriods(ctx, typ, limit)
}

// Get returns the entry of p, or nil when it was never computed.
func (r *Registry) Get(ctx context.Context, p model.Period) (*model.PeriodEntry, error) {
	return r.st.GetPeriod(ctx, p.Type, p.Key)
}

// Counts tallies entries by status.
func (r *Registry) Counts(ctx context.Context) (map[model.PeriodStatus]int64, error) {
	return r.st.PeriodCounts(ctx)
}

func (r *Registry) lease(p model.Period, kind leaseKind) *Lease {
	return &Lease{st: r.st, log: r.log, period: p, kind: kind, acquired: time.Now()}
}

type leaseKind int

const (
	snapshotLease leaseKind = iota
	summaryLease
)

// Lease is a held computation of one period. Exactly one of Complete or Fail
// takes effect; later calls are no-ops, so callers can defer Fail. A release
// the store did not record leaves the lease held, and the next call retries.
type Lease struct {
	st       store.Store
	log      *zap.Logger
	period   model.Period
	kind     leaseKind
	acquired time.Time

	mu       sync.Mutex
	released bool
}

// Period returns the leased period.
func (l *Lease) Period() model.Period { return l.period }

// Complete releases the lease as completed and records counts
// (subjects and records for snapshots, groups for summaries). If the store
// rejects the completion the lease is released as failed instead.
func (l *Lease) Complete(ctx context.Context, counts map[string]int64) error {
	err := l.release(ctx, counts, "")
	if err != nil {
		_ = l.release(ctx, nil, "complete: "+err.Error())
	}
	return err
}

// Fail releases the lease with cause recorded. A failed snapshot leaves the
// period failed; a failed summary leaves the snapshots completed.
func (l *Lease) Fail(ctx context.Context, cause error) error {
	msg := "aborted"
	if cause != nil {
		msg = cause.Error()
	}
	return l.release(ctx, nil, msg)
}

func (l *Lease) release(ctx context.Context, counts map[string]int64, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	var err error
	switch l.kind {
	case snapshotLease:
		err = l.st.FinishSnapshot(ctx, l.period.Type, l.period.Key,
			counts[model.CountSubjects], counts[model.CountRecords], errMsg)
	case summaryLease:
		err = l.st.FinishSummary(ctx, l.period.Type, l.period.Key, counts[model.CountGroups], errMsg)
	}

	// Someone else moved the period out of computing; nothing is left to release.
	if err == nil || errors.Is(err, store.ErrNotComputing) {
		l.released = true
	}

	log := l.log.With(
		zap.String("period", l.period.String()),
		zap.Duration("held", time.Since(l.acquired)),
	)
	switch {
	case err != nil:
		log.Error("lease release failed", zap.Error(err))
		return eris.Wrapf(err, "registry: release %s", l.period)
	case errMsg != "":
		log.Warn("lease released as failed", zap.String("error", errMsg))
	default:
		log.Info("lease released")
	}
	return nil
}
