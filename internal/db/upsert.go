package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a bulk upsert.
type UpsertConfig struct {
	Table        string   // target table, e.g. "portrait.call_record_enriched"
	Columns      []string // columns supplied for every row
	ConflictKeys []string // columns of the unique constraint
	UpdateCols   []string // columns to overwrite on conflict; nil means all non-key columns
	// SkipUnchanged leaves rows alone when none of UpdateCols differ, so the
	// returned count only covers inserted or changed rows.
	SkipUnchanged bool
	// Touch lists extra assignments applied on update, e.g. "updated_at = now()".
	Touch []string
}

// BulkUpsert loads rows into a temp table with COPY, drops duplicate keys
// keeping the last row, then merges into the target with
// INSERT ... ON CONFLICT DO UPDATE. It returns the number of rows written.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		keys := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			keys[k] = true
		}
		for _, c := range cfg.Columns {
			if !keys[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	temp := TempTableName(cfg.Table)
	tempIdent := pgx.Identifier{temp}.Sanitize()

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		tempIdent, sanitizeTable(cfg.Table),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{temp}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	var keyMatch []string
	for _, k := range cfg.ConflictKeys {
		q := pgx.Identifier{k}.Sanitize()
		keyMatch = append(keyMatch, fmt.Sprintf("a.%s = b.%s", q, q))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s a USING %s b WHERE a.ctid < b.ctid AND %s",
		tempIdent, tempIdent, strings.Join(keyMatch, " AND "),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: dedup temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(cfg, updateCols, tempIdent))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func upsertSQL(cfg UpsertConfig, updateCols []string, tempIdent string) string {
	target := sanitizeTable(cfg.Table)
	cols := quoteAndJoin(cfg.Columns)

	set := make([]string, 0, len(updateCols)+len(cfg.Touch))
	for _, c := range updateCols {
		q := pgx.Identifier{c}.Sanitize()
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	set = append(set, cfg.Touch...)

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		target, cols, cols, tempIdent, quoteAndJoin(cfg.ConflictKeys), strings.Join(set, ", "),
	)

	if cfg.SkipUnchanged && len(updateCols) > 0 {
		excluded := make([]string, len(updateCols))
		current := make([]string, len(updateCols))
		for i, c := range updateCols {
			q := pgx.Identifier{c}.Sanitize()
			excluded[i] = "EXCLUDED." + q
			current[i] = target + "." + q
		}
		sql += fmt.Sprintf(" WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(current, ", "), strings.Join(excluded, ", "))
	}
	return sql
}

// TempTableName is the per-target staging table used by BulkUpsert.
func TempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

func sanitizeTable(table string) string {
	return Identifier(table).Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
