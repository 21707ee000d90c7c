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

var panelCfg = UpsertConfig{
	Table:        "nearshore.panel",
	Columns:      []string{"grid_id", "variable", "value"},
	ConflictKeys: []string{"grid_id", "variable"},
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, panelCfg, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "nearshore.panel",
		ConflictKeys: []string{"grid_id"},
	}, [][]any{{"1", 2.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "nearshore.panel",
		Columns: []string{"grid_id", "value"},
	}, [][]any{{"1", 2.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_nearshore_panel" \(LIKE "nearshore"."panel"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_nearshore_panel"}, panelCfg.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "nearshore"."panel" .* ON CONFLICT \("grid_id", "variable"\) DO UPDATE SET "value" = EXCLUDED."value"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, panelCfg, [][]any{{"1", "count_33_2010", 2.0}, {"2", "count_33_2010", 0.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_nearshore_panel"}, panelCfg.Columns).
		WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, panelCfg, [][]any{{"1", "x", 1.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_KeyNotAColumn(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "nearshore.panel",
		Columns:      []string{"grid_id", "value"},
		ConflictKeys: []string{"grid_id", "variable"},
	}, [][]any{{"1", 2.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `conflict key "variable" is not a column`)
}

func TestBulkUpsert_DuplicateKeysRejected(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, panelCfg, [][]any{
		{"1", "count_33_2010", 2.0},
		{"2", "count_33_2010", 1.0},
		{"1", "count_33_2010", 5.0},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows 0 and 2 share key [1 count_33_2010]")
}

func TestBulkUpsert_ShortRow(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, panelCfg, [][]any{{"1", "count_33_2010"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 2 values for 3 columns")
}

func TestBulkUpsert_KeysOnlyDoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{Table: "cells", Columns: []string{"grid_id"}, ConflictKeys: []string{"grid_id"}}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_cells"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_cells"}, cfg.Columns).WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("grid_id"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{{"1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"grid_id", "variable", "value"`, quoteAndJoin([]string{"grid_id", "variable", "value"}))
}
