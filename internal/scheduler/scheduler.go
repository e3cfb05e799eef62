// Package scheduler drives the daily sync, analyze and compute chain.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
)

// ReasonPanic marks a stage that panicked. The chain carries on.
const ReasonPanic = "panic"

// Pipeline is the set of operations the daily chain runs, in order.
type Pipeline interface {
	Sync(ctx context.Context, date time.Time) model.Result
	AnalyzeAll(ctx context.Context, limit, maxRounds int) model.Result
	ComputePeriod(ctx context.Context, p model.Period, force bool) (snapshots, summary model.Result)
}

// Stage is the outcome of one step of a chain run.
type Stage struct {
	Name   string       `json:"name"`
	Period string       `json:"period,omitempty"`
	Result model.Result `json:"result"`
}

// Report is one run of the chain.
type Report struct {
	Today      time.Time `json:"today"`
	Stages     []Stage   `json:"stages"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Failed reports whether any stage failed.
func (r Report) Failed() bool {
	for _, s := range r.Stages {
		if s.Result.Outcome == model.OutcomeFailed {
			return true
		}
	}
	return false
}

// Scheduler owns the cron loop. It is started and stopped explicitly.
type Scheduler struct {
	p   Pipeline
	cfg config.SchedulerConfig
	loc *time.Location
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	busy atomic.Bool
}

// New creates a stopped scheduler. A nil loc means UTC.
func New(p Pipeline, cfg config.SchedulerConfig, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		p:   p,
		cfg: cfg,
		loc: loc,
		log: zap.L().With(zap.String("component", "scheduler")),
		now: time.Now,
	}
}

// Spec is the cron expression of the daily chain (seconds first).
func (s *Scheduler) Spec() string {
	return fmt.Sprintf("0 %d %d * * *", s.cfg.SyncMinute, s.cfg.SyncHour)
}

// Start registers the daily job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return eris.New("scheduler: already running")
	}

	c := cron.NewWithLocation(s.loc)
	if err := c.AddFunc(s.Spec(), s.tick); err != nil {
		return eris.Wrapf(err, "scheduler: add job %q", s.Spec())
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = c
	s.running = true
	c.Start()

	s.log.Info("scheduler started",
		zap.String("spec", s.Spec()),
		zap.String("timezone", s.loc.String()),
		zap.Time("next", s.nextLocked()),
	)
	return nil
}

// Stop halts the cron loop, cancels an in-flight chain and waits for it to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cron.Stop()
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: wait for running chain")
	}
}

// Running reports whether the cron loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next is the time of the next scheduled run, or zero when stopped.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Scheduler) nextLocked() time.Time {
	if !s.running {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	today := model.DateOf(s.now().In(s.loc))
	if _, ok := s.RunOnce(ctx, today); !ok {
		s.log.Warn("previous run still in progress, skipping tick", zap.Time("today", today))
	}
}

// RunOnce runs the chain for the given calendar day. It returns false
// without running when another run is in progress.
//
// Stages run strictly in order: sync yesterday, drain the analysis backlog,
// then compute every period that closed yesterday. A failed or panicking
// stage is logged and the chain continues.
func (s *Scheduler) RunOnce(ctx context.Context, today time.Time) (Report, bool) {
	if !s.busy.CompareAndSwap(false, true) {
		return Report{}, false
	}
	defer s.busy.Store(false)

	today = model.DateOf(today)
	rep := Report{Today: today, StartedAt: s.now().UTC()}
	log := s.log.With(zap.String("today", today.Format(model.DateLayout)))
	log.Info("daily chain starting")

	yesterday := today.AddDate(0, 0, -1)
	rep.Stages = append(rep.Stages, s.stage(log, "sync", yesterday.Format(model.DateLayout), func() model.Result {
		return s.p.Sync(ctx, yesterday)
	}))
	rep.Stages = append(rep.Stages, s.stage(log, "analyze", "", func() model.Result {
		return s.p.AnalyzeAll(ctx, s.cfg.AnalyzeLimit, s.cfg.AnalyzeRounds)
	}))

	periods := model.BoundaryPeriods(today)
	computed := make([][]Stage, len(periods))
	var g errgroup.Group
	for i, p := range periods {
		g.Go(func() error {
			var summary model.Result
			snap := s.stage(log, "compute_snapshot", p.String(), func() model.Result {
				var snapshots model.Result
				snapshots, summary = s.p.ComputePeriod(ctx, p, false)
				return snapshots
			})
			if summary.Outcome == "" {
				summary = model.Skipped(model.ReasonSubjectSnapshotsMissing)
			}
			computed[i] = []Stage{snap, s.record(log, "compute_summary", p.String(), summary)}
			return nil
		})
	}
	_ = g.Wait()
	for _, st := range computed {
		rep.Stages = append(rep.Stages, st...)
	}

	rep.FinishedAt = s.now().UTC()
	log.Info("daily chain finished",
		zap.Int("stages", len(rep.Stages)),
		zap.Bool("failed", rep.Failed()),
		zap.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	return rep, true
}

func (s *Scheduler) stage(log *zap.Logger, name, period string, fn func() model.Result) (st Stage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stage panicked", zap.String("stage", name), zap.Any("panic", r))
			st = Stage{Name: name, Period: period, Result: model.Failed(ReasonPanic, fmt.Errorf("panic: %v", r))}
		}
	}()
	return s.record(log, name, period, fn())
}

func (s *Scheduler) record(log *zap.Logger, name, period string, res model.Result) Stage {
	fields := []zap.Field{
		zap.String("stage", name),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason),
		zap.Any("counts", res.Counts),
	}
	if period != "" {
		fields = append(fields, zap.String("period", period))
	}
	if res.Outcome == model.OutcomeFailed {
		log.Error("stage failed", append(fields, zap.String("error", res.Error))...)
	} else {
		log.Info("stage finished", fields...)
	}
	return Stage{Name: name, Period: period, Result: res}
}
