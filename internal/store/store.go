// Package store persists enriched call records, the period registry and the
// snapshot tables. Postgres is the production backend; SQLite serves local
// runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
)

// RecordCounts summarizes the enriched table.
type RecordCounts struct {
	Total    int64 `json:"total"`
	Analyzed int64 `json:"analyzed"`
	Claimed  int64 `json:"claimed"`
}

// SnapshotCounts summarizes the snapshot tables.
type SnapshotCounts struct {
	SubjectSnapshots int64 `json:"subject_snapshots"`
	GroupSummaries   int64 `json:"group_summaries"`
}

// SubjectFilter selects subject snapshots of one period. An empty GroupID
// matches every group; a zero Limit returns all rows.
type SubjectFilter struct {
	GroupID    string
	PeriodType model.PeriodType
	PeriodKey  string
	RiskLevel  model.RiskLevel
	Sentiment  model.Sentiment
	Limit      int
	Offset     int
}

// Store defines the persistence interface for the portrait pipeline.
type Store interface {
	// Enriched records
	UpsertRecords(ctx context.Context, recs []model.EnrichedRecord) (int64, error)
	CountRecords(ctx context.Context) (RecordCounts, error)
	ClaimUnanalyzed(ctx context.Context, limit int, lease time.Duration) ([]model.EnrichedRecord, error)
	SaveAnalyses(ctx context.Context, results []model.Analysis) error
	ListRecordsInRange(ctx context.Context, start, endExclusive time.Time) ([]model.EnrichedRecord, error)

	// Period registry
	EnsurePeriod(ctx context.Context, p model.Period) error
	GetPeriod(ctx context.Context, typ model.PeriodType, key string) (*model.PeriodEntry, error)
	TransitionPeriod(ctx context.Context, typ model.PeriodType, key string, from []model.PeriodStatus, to model.PeriodStatus, note string) (bool, error)
	FinishSnapshot(ctx context.Context, typ model.PeriodType, key string, subjects, records int64, errMsg string) error
	FinishSummary(ctx context.Context, typ model.PeriodType, key string, groups int64, errMsg string) error
	ListPeriods(ctx context.Context, typ model.PeriodType, limit int) ([]model.PeriodEntry, error)
	PeriodCounts(ctx context.Context) (map[model.PeriodStatus]int64, error)
	// LastComputedAt is the newest snapshot computation time, or nil.
	LastComputedAt(ctx context.Context) (*time.Time, error)

	// Snapshots
	ReplaceSubjectSnapshots(ctx context.Context, p model.Period, snaps []model.SubjectSnapshot) error
	ListSubjectSnapshots(ctx context.Context, f SubjectFilter) ([]model.SubjectSnapshot, int64, error)
	ReplaceGroupSummaries(ctx context.Context, p model.Period, sums []model.GroupSummary) error
	GetGroupSummary(ctx context.Context, groupID string, typ model.PeriodType, key string) (*model.GroupSummary, error)
	ListGroupSummaries(ctx context.Context, typ model.PeriodType, key string) ([]model.GroupSummary, error)
	// GroupHistory returns a group's summaries of periods starting within
	// [from, to], newest first.
	GroupHistory(ctx context.Context, groupID string, typ model.PeriodType, from, to time.Time) ([]model.GroupSummary, error)
	CountSnapshots(ctx context.Context) (SnapshotCounts, error)

	// Group names
	UpsertGroupNames(ctx context.Context, names []model.GroupName) (int64, error)
	GroupNames(ctx context.Context) (map[string]string, error)

	// Sync log
	RecordSyncRun(ctx context.Context, run model.SyncRun) error
	LastSyncRun(ctx context.Context) (*model.SyncRun, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required for postgres")
		}
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "portrait.db"
		}
		return NewSQLite(dsn)
	}
	return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
}
