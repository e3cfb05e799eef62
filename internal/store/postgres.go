package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/db"
	"github.com/sells-group/portrait-cli/internal/model"
)

// ErrNotComputing is returned when a lease is released for a period that is
// no longer in the computing state, e.g. after an operator reset.
var ErrNotComputing = eris.New("store: period is not computing")

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return MigratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Enriched records ---

func (s *PostgresStore) UpsertRecords(ctx context.Context, recs []model.EnrichedRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = recordSyncValues(r, pgDialect)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:         "call_record_enriched",
		Columns:       recordSyncColumns,
		ConflictKeys:  []string{"external_id"},
		UpdateCols:    recordMutableColumns,
		SkipUnchanged: true,
		Touch:         []string{"synced_at = EXCLUDED.synced_at", "updated_at = now()"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert records")
}

func (s *PostgresStore) CountRecords(ctx context.Context) (RecordCounts, error) {
	var c RecordCounts
	err := s.pool.QueryRow(ctx, `SELECT count(*), count(analyzed_at),
		count(*) FILTER (WHERE analyzed_at IS NULL AND claimed_at IS NOT NULL)
		FROM call_record_enriched`).Scan(&c.Total, &c.Analyzed, &c.Claimed)
	return c, eris.Wrap(err, "postgres: count records")
}

func (s *PostgresStore) ClaimUnanalyzed(ctx context.Context, limit int, lease time.Duration) ([]model.EnrichedRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`UPDATE call_record_enriched SET claimed_at = $1
		WHERE id IN (
			SELECT id FROM call_record_enriched
			WHERE analyzed_at IS NULL AND (claimed_at IS NULL OR claimed_at < $2)
			ORDER BY event_date DESC, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING %s`, columnList(recordColumns)),
		now, now.Add(-lease), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim unanalyzed")
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) SaveAnalyses(ctx context.Context, results []model.Analysis) error {
	if len(results) == 0 {
		return nil
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, a := range results {
			var err error
			if a.Done() {
				_, err = tx.Exec(ctx, `UPDATE call_record_enriched SET
					sentiment = $2, sentiment_score = $3, complaint_risk = $4, churn_risk = $5,
					analysis_source = $6, analysis_reason = $7, analysis_raw = $8,
					analysis_attempts = analysis_attempts + $9, last_error = $10,
					analyzed_at = $11, claimed_at = NULL, updated_at = now()
					WHERE id = $1`,
					a.RecordID, string(a.Sentiment), floatArg(a.SentimentScore), string(a.ComplaintRisk),
					string(a.ChurnRisk), string(a.Source), a.Reason, model.Truncate(a.Raw, model.MaxRawResponse),
					a.Attempts, a.Error, a.AnalyzedAt.UTC())
			} else {
				_, err = tx.Exec(ctx, `UPDATE call_record_enriched SET
					analysis_attempts = analysis_attempts + $2, last_error = $3,
					claimed_at = NULL, updated_at = now()
					WHERE id = $1`,
					a.RecordID, a.Attempts, a.Error)
			}
			if err != nil {
				return eris.Wrapf(err, "postgres: save analysis %s", a.RecordID)
			}
		}
		return nil
	})
	return eris.Wrap(err, "postgres: save analyses")
}

func (s *PostgresStore) ListRecordsInRange(ctx context.Context, start, endExclusive time.Time) ([]model.EnrichedRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM call_record_enriched
		WHERE event_date >= $1 AND event_date < $2
		ORDER BY group_id, subject_id, event_time`, columnList(recordColumns)),
		model.DateOf(start), model.DateOf(endExclusive))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records in range")
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]model.EnrichedRecord, error) {
	var out []model.EnrichedRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

// --- Period registry ---

func (s *PostgresStore) EnsurePeriod(ctx context.Context, p model.Period) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO period_registry (period_type, period_key, period_start, period_end, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (period_type, period_key) DO NOTHING`,
		string(p.Type), p.Key, p.Start, p.End)
	return eris.Wrapf(err, "postgres: ensure period %s", p)
}

func (s *PostgresStore) GetPeriod(ctx context.Context, typ model.PeriodType, key string) (*model.PeriodEntry, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM period_registry
		WHERE period_type = $1 AND period_key = $2`, columnList(periodColumns)), string(typ), key)
	e, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get period %s:%s", typ, key)
	}
	return &e, nil
}

func (s *PostgresStore) TransitionPeriod(ctx context.Context, typ model.PeriodType, key string, from []model.PeriodStatus, to model.PeriodStatus, note string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE period_registry SET status = $1, last_error = $2, updated_at = now()
		WHERE period_type = $3 AND period_key = $4 AND status = ANY($5)`,
		string(to), note, string(typ), key, statusStrings(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition period %s:%s", typ, key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishSnapshot(ctx context.Context, typ model.PeriodType, key string, subjects, records int64, errMsg string) error {
	var (
		sql  string
		args []any
	)
	if errMsg == "" {
		sql = `UPDATE period_registry SET status = 'completed', total_subjects = $3, total_records = $4,
			total_groups = 0, computed_at = now(), summary_computed_at = NULL, last_error = '', updated_at = now()
			WHERE period_type = $1 AND period_key = $2 AND status = 'computing'`
		args = []any{string(typ), key, subjects, records}
	} else {
		sql = `UPDATE period_registry SET status = 'failed', last_error = $3, updated_at = now()
			WHERE period_type = $1 AND period_key = $2 AND status = 'computing'`
		args = []any{string(typ), key, errMsg}
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish snapshot %s:%s", typ, key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotComputing, "%s:%s", typ, key)
	}
	return nil
}

func (s *PostgresStore) FinishSummary(ctx context.Context, typ model.PeriodType, key string, groups int64, errMsg string) error {
	var (
		sql  string
		args []any
	)
	if errMsg == "" {
		sql = `UPDATE period_registry SET status = 'completed', total_groups = $3,
			summary_computed_at = now(), last_error = '', updated_at = now()
			WHERE period_type = $1 AND period_key = $2 AND status = 'computing'`
		args = []any{string(typ), key, groups}
	} else {
		sql = `UPDATE period_registry SET status = 'completed', last_error = $3, updated_at = now()
			WHERE period_type = $1 AND period_key = $2 AND status = 'computing'`
		args = []any{string(typ), key, errMsg}
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish summary %s:%s", typ, key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotComputing, "%s:%s", typ, key)
	}
	return nil
}

func (s *PostgresStore) ListPeriods(ctx context.Context, typ model.PeriodType, limit int) ([]model.PeriodEntry, error) {
	var (
		where []string
		args  []any
	)
	if typ != "" {
		args = append(args, string(typ))
		where = append(where, fmt.Sprintf("period_type = $%d", len(args)))
	}
	q := fmt.Sprintf("SELECT %s FROM period_registry", columnList(periodColumns))
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY period_start DESC, period_type"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list periods")
	}
	defer rows.Close()

	var out []model.PeriodEntry
	for rows.Next() {
		e, err := scanPeriod(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan period")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate periods")
}

func (s *PostgresStore) LastComputedAt(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT max(computed_at) FROM period_registry`).Scan(&t); err != nil {
		return nil, eris.Wrap(err, "postgres: last computed at")
	}
	if t != nil {
		utc := t.UTC()
		t = &utc
	}
	return t, nil
}

func (s *PostgresStore) PeriodCounts(ctx context.Context) (map[model.PeriodStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM period_registry GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: period counts")
	}
	defer rows.Close()

	out := make(map[model.PeriodStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan period count")
		}
		out[model.PeriodStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate period counts")
}

// --- Snapshots ---

func (s *PostgresStore) ReplaceSubjectSnapshots(ctx context.Context, p model.Period, snaps []model.SubjectSnapshot) error {
	rows := make([][]any, 0, len(snaps))
	for _, snap := range snaps {
		vals, err := snapshotValues(snap, pgDialect)
		if err != nil {
			return err
		}
		rows = append(rows, vals)
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM subject_snapshot WHERE period_type = $1 AND period_key = $2`,
			string(p.Type), p.Key); err != nil {
			return err
		}
		_, err := db.CopyFrom(ctx, tx, "subject_snapshot", snapshotColumns, rows)
		return err
	})
	return eris.Wrapf(err, "postgres: replace subject snapshots %s", p)
}

func (s *PostgresStore) ListSubjectSnapshots(ctx context.Context, f SubjectFilter) ([]model.SubjectSnapshot, int64, error) {
	args := []any{string(f.PeriodType), f.PeriodKey}
	where := []string{"period_type = $1", "period_key = $2"}
	if f.GroupID != "" {
		args = append(args, f.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if f.RiskLevel != "" {
		args = append(args, string(f.RiskLevel))
		where = append(where, fmt.Sprintf("risk_level = $%d", len(args)))
	}
	if f.Sentiment != "" {
		args = append(args, string(f.Sentiment))
		where = append(where, fmt.Sprintf("dominant_sentiment = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM subject_snapshot WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count subject snapshots")
	}

	q := fmt.Sprintf("SELECT %s FROM subject_snapshot WHERE %s ORDER BY total_events DESC, subject_id",
		columnList(snapshotColumns), cond)
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list subject snapshots")
	}
	defer rows.Close()

	var out []model.SubjectSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan subject snapshot")
		}
		out = append(out, snap)
	}
	return out, total, eris.Wrap(rows.Err(), "postgres: iterate subject snapshots")
}

func (s *PostgresStore) ReplaceGroupSummaries(ctx context.Context, p model.Period, sums []model.GroupSummary) error {
	rows := make([][]any, len(sums))
	for i, g := range sums {
		rows[i] = summaryValues(g, pgDialect)
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM group_summary WHERE period_type = $1 AND period_key = $2`,
			string(p.Type), p.Key); err != nil {
			return err
		}
		_, err := db.CopyFrom(ctx, tx, "group_summary", summaryColumns, rows)
		return err
	})
	return eris.Wrapf(err, "postgres: replace group summaries %s", p)
}

func (s *PostgresStore) GetGroupSummary(ctx context.Context, groupID string, typ model.PeriodType, key string) (*model.GroupSummary, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM group_summary
		WHERE group_id = $1 AND period_type = $2 AND period_key = $3`, columnList(summaryColumns)),
		groupID, string(typ), key)
	g, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get group summary %s", groupID)
	}
	return &g, nil
}

func (s *PostgresStore) ListGroupSummaries(ctx context.Context, typ model.PeriodType, key string) ([]model.GroupSummary, error) {
	return s.querySummaries(ctx, fmt.Sprintf(`SELECT %s FROM group_summary
		WHERE period_type = $1 AND period_key = $2
		ORDER BY total_events DESC, group_id`, columnList(summaryColumns)), string(typ), key)
}

func (s *PostgresStore) GroupHistory(ctx context.Context, groupID string, typ model.PeriodType, from, to time.Time) ([]model.GroupSummary, error) {
	return s.querySummaries(ctx, fmt.Sprintf(`SELECT %s FROM group_summary
		WHERE group_id = $1 AND period_type = $2 AND period_start >= $3 AND period_start <= $4
		ORDER BY period_start DESC`, columnList(summaryColumns)),
		groupID, string(typ), pgDialect.date(from), pgDialect.date(to))
}

func (s *PostgresStore) querySummaries(ctx context.Context, q string, args ...any) ([]model.GroupSummary, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query group summaries")
	}
	defer rows.Close()

	var out []model.GroupSummary
	for rows.Next() {
		g, err := scanSummary(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan group summary")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate group summaries")
}

func (s *PostgresStore) CountSnapshots(ctx context.Context) (SnapshotCounts, error) {
	var c SnapshotCounts
	err := s.pool.QueryRow(ctx, `SELECT (SELECT count(*) FROM subject_snapshot), (SELECT count(*) FROM group_summary)`).
		Scan(&c.SubjectSnapshots, &c.GroupSummaries)
	return c, eris.Wrap(err, "postgres: count snapshots")
}

// --- Group names ---

func (s *PostgresStore) UpsertGroupNames(ctx context.Context, names []model.GroupName) (int64, error) {
	rows := make([][]any, len(names))
	for i, g := range names {
		rows[i] = []any{g.GroupID, g.Name, g.UpdatedAt.UTC()}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:         "group_names",
		Columns:       []string{"group_id", "name", "updated_at"},
		ConflictKeys:  []string{"group_id"},
		UpdateCols:    []string{"name"},
		SkipUnchanged: true,
		Touch:         []string{"updated_at = EXCLUDED.updated_at"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert group names")
	}

	if _, err := s.pool.Exec(ctx, `UPDATE group_summary gs SET group_name = gn.name
		FROM group_names gn
		WHERE gs.group_id = gn.group_id AND gs.group_name IS DISTINCT FROM gn.name`); err != nil {
		return n, eris.Wrap(err, "postgres: refresh summary group names")
	}
	return n, nil
}

func (s *PostgresStore) GroupNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT group_id, name FROM group_names`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: group names")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group name")
		}
		out[id] = name
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate group names")
}

// --- Sync log ---

func (s *PostgresStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO sync_log (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		columnList(syncRunColumns)),
		run.ID, model.DateOf(run.TargetDate), string(run.Outcome), run.Reason, strings.Join(run.Tables, ","),
		run.Fetched, run.Upserted, run.StartedAt.UTC(), run.FinishedAt.UTC())
	return eris.Wrap(err, "postgres: record sync run")
}

func (s *PostgresStore) LastSyncRun(ctx context.Context) (*model.SyncRun, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM sync_log ORDER BY started_at DESC LIMIT 1`,
		columnList(syncRunColumns)))
	r, err := scanSyncRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last sync run")
	}
	return &r, nil
}

func statusStrings(in []model.PeriodStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
