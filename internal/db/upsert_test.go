package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordUpsert() UpsertConfig {
	return UpsertConfig{
		Table:        "portrait.call_record_enriched",
		Columns:      []string{"id", "external_id", "duration_seconds"},
		ConflictKeys: []string{"external_id"},
		UpdateCols:   []string{"duration_seconds"},
	}
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, recordUpsert(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "portrait.call_record_enriched",
		ConflictKeys: []string{"external_id"},
	}, [][]any{{"r1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "portrait.call_record_enriched",
		Columns: []string{"id", "external_id"},
	}, [][]any{{"r1", "c1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cfg := recordUpsert()
	temp := TempTableName(cfg.Table)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{temp}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "portrait"."call_record_enriched"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{
		{"a", "c1", 30},
		{"b", "c2", 45},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cfg := recordUpsert()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{TempTableName(cfg.Table)}, cfg.Columns).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{"a", "c1", 30}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	cfg := recordUpsert()
	sql := upsertSQL(cfg, cfg.UpdateCols, `"_tmp"`)
	assert.Contains(t, sql, `ON CONFLICT ("external_id") DO UPDATE SET "duration_seconds" = EXCLUDED."duration_seconds"`)
	assert.NotContains(t, sql, "IS DISTINCT FROM")

	cfg.SkipUnchanged = true
	cfg.Touch = []string{"updated_at = now()"}
	sql = upsertSQL(cfg, cfg.UpdateCols, `"_tmp"`)
	assert.Contains(t, sql, `, updated_at = now()`)
	assert.Contains(t, sql, `WHERE ("portrait"."call_record_enriched"."duration_seconds") IS DISTINCT FROM (EXCLUDED."duration_seconds")`)
}

func TestTempTableName(t *testing.T) {
	assert.Equal(t, "_tmp_upsert_portrait_call_record_enriched", TempTableName("portrait.call_record_enriched"))
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"portrait.subject_snapshot", `"portrait"."subject_snapshot"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = WithTx(context.Background(), mock, func(tx pgx.Tx) error {
		return fmt.Errorf("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.NoError(t, mock.ExpectationsWereMet())
}
