package admin

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/store"
)

// Status is a point-in-time view of the pipeline.
type Status struct {
	Periods        map[model.PeriodStatus]int64 `json:"periods"`
	TotalPeriods   int64                        `json:"total_periods"`
	Snapshots      store.SnapshotCounts         `json:"snapshots"`
	Records        store.RecordCounts           `json:"records"`
	LastComputedAt *time.Time                   `json:"last_computed_at,omitempty"`
	LastSync       *model.SyncRun               `json:"last_sync,omitempty"`

	SourceReachable bool   `json:"source_reachable"`
	SourceError     string `json:"source_error,omitempty"`
	Circuit         string `json:"classifier_circuit,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Status collects registry, snapshot and enrichment counts. An unreachable
// source is reported, not returned as an error.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{CollectedAt: s.now().UTC()}

	counts, err := s.reg.Counts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "admin: period counts")
	}
	st.Periods = make(map[model.PeriodStatus]int64, 4)
	for _, ps := range []model.PeriodStatus{model.PeriodPending, model.PeriodComputing, model.PeriodCompleted, model.PeriodFailed} {
		st.Periods[ps] = counts[ps]
		st.TotalPeriods += counts[ps]
	}

	if st.Snapshots, err = s.st.CountSnapshots(ctx); err != nil {
		return nil, eris.Wrap(err, "admin: snapshot counts")
	}
	if st.Records, err = s.st.CountRecords(ctx); err != nil {
		return nil, eris.Wrap(err, "admin: record counts")
	}

	if st.LastComputedAt, err = s.st.LastComputedAt(ctx); err != nil {
		return nil, eris.Wrap(err, "admin: last computed at")
	}

	if st.LastSync, err = s.st.LastSyncRun(ctx); err != nil {
		return nil, eris.Wrap(err, "admin: last sync run")
	}

	if s.src != nil {
		if err := s.src.Ping(ctx, s.pingTimeout); err != nil {
			st.SourceError = err.Error()
		} else {
			st.SourceReachable = true
		}
	}
	if s.enricher != nil {
		st.Circuit = s.enricher.Breaker().State().String()
	}
	return st, nil
}
