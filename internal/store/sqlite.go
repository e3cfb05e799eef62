package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/portrait-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Times are stored as
// fixed-width UTC text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS call_record_enriched (
	id                 TEXT PRIMARY KEY,
	external_id        TEXT NOT NULL UNIQUE,
	group_id           TEXT NOT NULL DEFAULT '',
	subject_id         TEXT NOT NULL DEFAULT '',
	event_date         TEXT NOT NULL,
	event_time         TEXT NOT NULL,
	duration_seconds   INTEGER NOT NULL DEFAULT 0,
	interaction_rounds INTEGER NOT NULL DEFAULT 0,
	terminator         TEXT NOT NULL DEFAULT 'unknown',
	connect_status     TEXT NOT NULL DEFAULT 'failed',
	intent_level       TEXT NOT NULL DEFAULT '',
	synced_at          TEXT NOT NULL,
	sentiment          TEXT NOT NULL DEFAULT '',
	sentiment_score    REAL,
	complaint_risk     TEXT NOT NULL DEFAULT '',
	churn_risk         TEXT NOT NULL DEFAULT '',
	analysis_source    TEXT NOT NULL DEFAULT '',
	analysis_reason    TEXT NOT NULL DEFAULT '',
	analysis_raw       TEXT NOT NULL DEFAULT '',
	analysis_attempts  INTEGER NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT '',
	claimed_at         TEXT,
	analyzed_at        TEXT
);

CREATE INDEX IF NOT EXISTS idx_enriched_event_date ON call_record_enriched(event_date);
CREATE INDEX IF NOT EXISTS idx_enriched_analyzed ON call_record_enriched(analyzed_at);

CREATE TABLE IF NOT EXISTS sync_log (
	id          TEXT PRIMARY KEY,
	target_date TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	tables      TEXT NOT NULL DEFAULT '',
	fetched     INTEGER NOT NULL DEFAULT 0,
	upserted    INTEGER NOT NULL DEFAULT 0,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS period_registry (
	period_type         TEXT NOT NULL,
	period_key          TEXT NOT NULL,
	period_start        TEXT NOT NULL,
	period_end          TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	total_subjects      INTEGER NOT NULL DEFAULT 0,
	total_records       INTEGER NOT NULL DEFAULT 0,
	total_groups        INTEGER NOT NULL DEFAULT 0,
	computed_at         TEXT,
	summary_computed_at TEXT,
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	PRIMARY KEY (period_type, period_key)
);

CREATE TABLE IF NOT EXISTS subject_snapshot (
	subject_id          TEXT NOT NULL,
	group_id            TEXT NOT NULL,
	period_type         TEXT NOT NULL,
	period_key          TEXT NOT NULL,
	period_start        TEXT NOT NULL,
	period_end          TEXT NOT NULL,
	total_events        INTEGER NOT NULL DEFAULT 0,
	connected_events    INTEGER NOT NULL DEFAULT 0,
	connect_rate        REAL NOT NULL DEFAULT 0,
	total_duration      INTEGER NOT NULL DEFAULT 0,
	avg_duration        REAL NOT NULL DEFAULT 0,
	max_duration        INTEGER NOT NULL DEFAULT 0,
	total_rounds        INTEGER NOT NULL DEFAULT 0,
	avg_rounds          REAL NOT NULL DEFAULT 0,
	level_counts        TEXT NOT NULL DEFAULT '{}',
	robot_hangups       INTEGER NOT NULL DEFAULT 0,
	customer_hangups    INTEGER NOT NULL DEFAULT 0,
	sentiment_positive  INTEGER NOT NULL DEFAULT 0,
	sentiment_neutral   INTEGER NOT NULL DEFAULT 0,
	sentiment_negative  INTEGER NOT NULL DEFAULT 0,
	sentiment_unset     INTEGER NOT NULL DEFAULT 0,
	avg_sentiment_score REAL,
	complaint_high      INTEGER NOT NULL DEFAULT 0,
	complaint_medium    INTEGER NOT NULL DEFAULT 0,
	complaint_low       INTEGER NOT NULL DEFAULT 0,
	complaint_unset     INTEGER NOT NULL DEFAULT 0,
	churn_high          INTEGER NOT NULL DEFAULT 0,
	churn_medium        INTEGER NOT NULL DEFAULT 0,
	churn_low           INTEGER NOT NULL DEFAULT 0,
	churn_unset         INTEGER NOT NULL DEFAULT 0,
	dominant_sentiment  TEXT NOT NULL DEFAULT '',
	risk_level          TEXT NOT NULL DEFAULT 'none',
	engagement          TEXT NOT NULL DEFAULT 'shallow',
	computed_at         TEXT NOT NULL,
	PRIMARY KEY (subject_id, group_id, period_type, period_key)
);

CREATE INDEX IF NOT EXISTS idx_snapshot_period_group ON subject_snapshot(period_type, period_key, group_id);

CREATE TABLE IF NOT EXISTS group_summary (
	group_id                TEXT NOT NULL,
	group_name              TEXT NOT NULL DEFAULT '',
	period_type             TEXT NOT NULL,
	period_key              TEXT NOT NULL,
	period_start            TEXT NOT NULL,
	period_end              TEXT NOT NULL,
	total_subjects          INTEGER NOT NULL DEFAULT 0,
	total_events            INTEGER NOT NULL DEFAULT 0,
	connected_events        INTEGER NOT NULL DEFAULT 0,
	connect_rate            REAL NOT NULL DEFAULT 0,
	avg_duration            REAL NOT NULL DEFAULT 0,
	positive_count          INTEGER NOT NULL DEFAULT 0,
	neutral_count           INTEGER NOT NULL DEFAULT 0,
	negative_count          INTEGER NOT NULL DEFAULT 0,
	positive_rate           REAL NOT NULL DEFAULT 0,
	negative_rate           REAL NOT NULL DEFAULT 0,
	avg_sentiment_score     REAL,
	high_complaint_subjects INTEGER NOT NULL DEFAULT 0,
	high_complaint_rate     REAL NOT NULL DEFAULT 0,
	high_churn_subjects     INTEGER NOT NULL DEFAULT 0,
	high_churn_rate         REAL NOT NULL DEFAULT 0,
	computed_at             TEXT NOT NULL,
	PRIMARY KEY (group_id, period_type, period_key)
);

CREATE TABLE IF NOT EXISTS group_names (
	group_id   TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() string {
	return sqliteDialect.stamp(time.Now()).(string)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Enriched records ---

func (s *SQLiteStore) UpsertRecords(ctx context.Context, recs []model.EnrichedRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	set := make([]string, 0, len(recordMutableColumns)+1)
	excluded := make([]string, len(recordMutableColumns))
	for i, c := range recordMutableColumns {
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
		excluded[i] = "excluded." + c
	}
	set = append(set, "synced_at = excluded.synced_at")

	q := fmt.Sprintf(`INSERT INTO call_record_enriched (%s) VALUES (%s)
		ON CONFLICT (external_id) DO UPDATE SET %s
		WHERE (%s) IS NOT (%s)`,
		columnList(recordSyncColumns), placeholders(len(recordSyncColumns)),
		strings.Join(set, ", "), columnList(recordMutableColumns), strings.Join(excluded, ", "))

	var written int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			res, err := stmt.ExecContext(ctx, recordSyncValues(r, sqliteDialect)...)
			if err != nil {
				return eris.Wrapf(err, "record %s", r.ExternalID)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			written += n
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert records")
	}
	return written, nil
}

func (s *SQLiteStore) CountRecords(ctx context.Context) (RecordCounts, error) {
	var c RecordCounts
	err := s.db.QueryRowContext(ctx, `SELECT count(*), count(analyzed_at),
		COALESCE(SUM(CASE WHEN analyzed_at IS NULL AND claimed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM call_record_enriched`).Scan(&c.Total, &c.Analyzed, &c.Claimed)
	return c, eris.Wrap(err, "sqlite: count records")
}

func (s *SQLiteStore) ClaimUnanalyzed(ctx context.Context, limit int, lease time.Duration) ([]model.EnrichedRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`UPDATE call_record_enriched SET claimed_at = ?
		WHERE id IN (
			SELECT id FROM call_record_enriched
			WHERE analyzed_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)
			ORDER BY event_date DESC, id
			LIMIT ?)
		RETURNING %s`, columnList(recordColumns)),
		sqliteDialect.stamp(now), sqliteDialect.stamp(now.Add(-lease)), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim unanalyzed")
	}
	defer rows.Close()
	return collectSQLRecords(rows)
}

func (s *SQLiteStore) SaveAnalyses(ctx context.Context, results []model.Analysis) error {
	if len(results) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range results {
			var err error
			if a.Done() {
				_, err = tx.ExecContext(ctx, `UPDATE call_record_enriched SET
					sentiment = ?, sentiment_score = ?, complaint_risk = ?, churn_risk = ?,
					analysis_source = ?, analysis_reason = ?, analysis_raw = ?,
					analysis_attempts = analysis_attempts + ?, last_error = ?,
					analyzed_at = ?, claimed_at = NULL
					WHERE id = ?`,
					string(a.Sentiment), floatArg(a.SentimentScore), string(a.ComplaintRisk),
					string(a.ChurnRisk), string(a.Source), a.Reason, model.Truncate(a.Raw, model.MaxRawResponse),
					a.Attempts, a.Error, sqliteDialect.stamp(a.AnalyzedAt), a.RecordID)
			} else {
				_, err = tx.ExecContext(ctx, `UPDATE call_record_enriched SET
					analysis_attempts = analysis_attempts + ?, last_error = ?, claimed_at = NULL
					WHERE id = ?`,
					a.Attempts, a.Error, a.RecordID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: save analysis %s", a.RecordID)
			}
		}
		return nil
	})
	return eris.Wrap(err, "sqlite: save analyses")
}

func (s *SQLiteStore) ListRecordsInRange(ctx context.Context, start, endExclusive time.Time) ([]model.EnrichedRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM call_record_enriched
		WHERE event_date >= ? AND event_date < ?
		ORDER BY group_id, subject_id, event_time`, columnList(recordColumns)),
		sqliteDialect.date(start), sqliteDialect.date(endExclusive))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records in range")
	}
	defer rows.Close()
	return collectSQLRecords(rows)
}

func collectSQLRecords(rows *sql.Rows) ([]model.EnrichedRecord, error) {
	var out []model.EnrichedRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

// --- Period registry ---

func (s *SQLiteStore) EnsurePeriod(ctx context.Context, p model.Period) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO period_registry
		(period_type, period_key, period_start, period_end, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (period_type, period_key) DO NOTHING`,
		string(p.Type), p.Key, sqliteDialect.date(p.Start), sqliteDialect.date(p.End), now, now)
	return eris.Wrapf(err, "sqlite: ensure period %s", p)
}

func (s *SQLiteStore) GetPeriod(ctx context.Context, typ model.PeriodType, key string) (*model.PeriodEntry, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM period_registry
		WHERE period_type = ? AND period_key = ?`, columnList(periodColumns)), string(typ), key)
	e, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get period %s:%s", typ, key)
	}
	return &e, nil
}

func (s *SQLiteStore) TransitionPeriod(ctx context.Context, typ model.PeriodType, key string, from []model.PeriodStatus, to model.PeriodStatus, note string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), note, s.now(), string(typ), key}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE period_registry SET status = ?, last_error = ?, updated_at = ?
		WHERE period_type = ? AND period_key = ? AND status IN (%s)`, placeholders(len(from))), args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition period %s:%s", typ, key)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) FinishSnapshot(ctx context.Context, typ model.PeriodType, key string, subjects, records int64, errMsg string) error {
	now := s.now()
	var res sql.Result
	var err error
	if errMsg == "" {
		res, err = s.db.ExecContext(ctx, `UPDATE period_registry SET status = 'completed', total_subjects = ?,
			total_records = ?, total_groups = 0, computed_at = ?, summary_computed_at = NULL, last_error = '', updated_at = ?
			WHERE period_type = ? AND period_key = ? AND status = 'computing'`,
			subjects, records, now, now, string(typ), key)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE period_registry SET status = 'failed', last_error = ?, updated_at = ?
			WHERE period_type = ? AND period_key = ? AND status = 'computing'`,
			errMsg, now, string(typ), key)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish snapshot %s:%s", typ, key)
	}
	return requireComputing(res, typ, key)
}

func (s *SQLiteStore) FinishSummary(ctx context.Context, typ model.PeriodType, key string, groups int64, errMsg string) error {
	now := s.now()
	var res sql.Result
	var err error
	if errMsg == "" {
		res, err = s.db.ExecContext(ctx, `UPDATE period_registry SET status = 'completed', total_groups = ?,
			summary_computed_at = ?, last_error = '', updated_at = ?
			WHERE period_type = ? AND period_key = ? AND status = 'computing'`,
			groups, now, now, string(typ), key)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE period_registry SET status = 'completed', last_error = ?, updated_at = ?
			WHERE period_type = ? AND period_key = ? AND status = 'computing'`,
			errMsg, now, string(typ), key)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish summary %s:%s", typ, key)
	}
	return requireComputing(res, typ, key)
}

func requireComputing(res sql.Result, typ model.PeriodType, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotComputing, "%s:%s", typ, key)
	}
	return nil
}

func (s *SQLiteStore) ListPeriods(ctx context.Context, typ model.PeriodType, limit int) ([]model.PeriodEntry, error) {
	q := fmt.Sprintf("SELECT %s FROM period_registry", columnList(periodColumns))
	var args []any
	if typ != "" {
		q += " WHERE period_type = ?"
		args = append(args, string(typ))
	}
	q += " ORDER BY period_start DESC, period_type"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list periods")
	}
	defer rows.Close()

	var out []model.PeriodEntry
	for rows.Next() {
		e, err := scanPeriod(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan period")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate periods")
}

func (s *SQLiteStore) LastComputedAt(ctx context.Context) (*time.Time, error) {
	var v any
	if err := s.db.QueryRowContext(ctx, `SELECT max(computed_at) FROM period_registry`).Scan(&v); err != nil {
		return nil, eris.Wrap(err, "sqlite: last computed at")
	}
	t, err := asTimePtr(v)
	return t, eris.Wrap(err, "sqlite: last computed at")
}

func (s *SQLiteStore) PeriodCounts(ctx context.Context) (map[model.PeriodStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM period_registry GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: period counts")
	}
	defer rows.Close()

	out := make(map[model.PeriodStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan period count")
		}
		out[model.PeriodStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate period counts")
}

// --- Snapshots ---

func (s *SQLiteStore) ReplaceSubjectSnapshots(ctx context.Context, p model.Period, snaps []model.SubjectSnapshot) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subject_snapshot WHERE period_type = ? AND period_key = ?`,
			string(p.Type), p.Key); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO subject_snapshot (%s) VALUES (%s)`,
			columnList(snapshotColumns), placeholders(len(snapshotColumns))))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, snap := range snaps {
			vals, err := snapshotValues(snap, sqliteDialect)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, vals...); err != nil {
				return eris.Wrapf(err, "subject %s group %s", snap.SubjectID, snap.GroupID)
			}
		}
		return nil
	})
	return eris.Wrapf(err, "sqlite: replace subject snapshots %s", p)
}

func (s *SQLiteStore) ListSubjectSnapshots(ctx context.Context, f SubjectFilter) ([]model.SubjectSnapshot, int64, error) {
	cond := "period_type = ? AND period_key = ?"
	args := []any{string(f.PeriodType), f.PeriodKey}
	if f.GroupID != "" {
		cond += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	if f.RiskLevel != "" {
		cond += " AND risk_level = ?"
		args = append(args, string(f.RiskLevel))
	}
	if f.Sentiment != "" {
		cond += " AND dominant_sentiment = ?"
		args = append(args, string(f.Sentiment))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM subject_snapshot WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count subject snapshots")
	}

	q := fmt.Sprintf("SELECT %s FROM subject_snapshot WHERE %s ORDER BY total_events DESC, subject_id",
		columnList(snapshotColumns), cond)
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list subject snapshots")
	}
	defer rows.Close()

	var out []model.SubjectSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan subject snapshot")
		}
		out = append(out, snap)
	}
	return out, total, eris.Wrap(rows.Err(), "sqlite: iterate subject snapshots")
}

func (s *SQLiteStore) ReplaceGroupSummaries(ctx context.Context, p model.Period, sums []model.GroupSummary) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_summary WHERE period_type = ? AND period_key = ?`,
			string(p.Type), p.Key); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO group_summary (%s) VALUES (%s)`,
			columnList(summaryColumns), placeholders(len(summaryColumns))))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, g := range sums {
			if _, err := stmt.ExecContext(ctx, summaryValues(g, sqliteDialect)...); err != nil {
				return eris.Wrapf(err, "group %s", g.GroupID)
			}
		}
		return nil
	})
	return eris.Wrapf(err, "sqlite: replace group summaries %s", p)
}

func (s *SQLiteStore) GetGroupSummary(ctx context.Context, groupID string, typ model.PeriodType, key string) (*model.GroupSummary, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM group_summary
		WHERE group_id = ? AND period_type = ? AND period_key = ?`, columnList(summaryColumns)),
		groupID, string(typ), key)
	g, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get group summary %s", groupID)
	}
	return &g, nil
}

func (s *SQLiteStore) ListGroupSummaries(ctx context.Context, typ model.PeriodType, key string) ([]model.GroupSummary, error) {
	return s.querySummaries(ctx, fmt.Sprintf(`SELECT %s FROM group_summary
		WHERE period_type = ? AND period_key = ?
		ORDER BY total_events DESC, group_id`, columnList(summaryColumns)), string(typ), key)
}

func (s *SQLiteStore) GroupHistory(ctx context.Context, groupID string, typ model.PeriodType, from, to time.Time) ([]model.GroupSummary, error) {
	return s.querySummaries(ctx, fmt.Sprintf(`SELECT %s FROM group_summary
		WHERE group_id = ? AND period_type = ? AND period_start >= ? AND period_start <= ?
		ORDER BY period_start DESC`, columnList(summaryColumns)),
		groupID, string(typ), sqliteDialect.date(from), sqliteDialect.date(to))
}

func (s *SQLiteStore) querySummaries(ctx context.Context, q string, args ...any) ([]model.GroupSummary, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query group summaries")
	}
	defer rows.Close()

	var out []model.GroupSummary
	for rows.Next() {
		g, err := scanSummary(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group summary")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate group summaries")
}

func (s *SQLiteStore) CountSnapshots(ctx context.Context) (SnapshotCounts, error) {
	var c SnapshotCounts
	err := s.db.QueryRowContext(ctx, `SELECT (SELECT count(*) FROM subject_snapshot), (SELECT count(*) FROM group_summary)`).
		Scan(&c.SubjectSnapshots, &c.GroupSummaries)
	return c, eris.Wrap(err, "sqlite: count snapshots")
}

// --- Group names ---

func (s *SQLiteStore) UpsertGroupNames(ctx context.Context, names []model.GroupName) (int64, error) {
	var written int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, g := range names {
			res, err := tx.ExecContext(ctx, `INSERT INTO group_names (group_id, name, updated_at) VALUES (?, ?, ?)
				ON CONFLICT (group_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
				WHERE group_names.name IS NOT excluded.name`,
				g.GroupID, g.Name, sqliteDialect.stamp(g.UpdatedAt))
			if err != nil {
				return eris.Wrapf(err, "group %s", g.GroupID)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			written += n
		}
		_, err := tx.ExecContext(ctx, `UPDATE group_summary SET group_name = (
				SELECT name FROM group_names WHERE group_names.group_id = group_summary.group_id)
			WHERE group_id IN (SELECT group_id FROM group_names WHERE group_names.name IS NOT group_summary.group_name)`)
		return err
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert group names")
	}
	return written, nil
}

func (s *SQLiteStore) GroupNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, name FROM group_names`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: group names")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group name")
		}
		out[id] = name
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate group names")
}

// --- Sync log ---

func (s *SQLiteStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO sync_log (%s) VALUES (%s)`,
		columnList(syncRunColumns), placeholders(len(syncRunColumns))),
		run.ID, sqliteDialect.date(run.TargetDate), string(run.Outcome), run.Reason, strings.Join(run.Tables, ","),
		run.Fetched, run.Upserted, sqliteDialect.stamp(run.StartedAt), sqliteDialect.stamp(run.FinishedAt))
	return eris.Wrap(err, "sqlite: record sync run")
}

func (s *SQLiteStore) LastSyncRun(ctx context.Context) (*model.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sync_log ORDER BY started_at DESC LIMIT 1`,
		columnList(syncRunColumns)))
	r, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last sync run")
	}
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
