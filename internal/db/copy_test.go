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

var longColumns = []string{"grid_id", "variable", "value"}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"panel", `"panel"`},
		{"nearshore.panel", `"nearshore"."panel"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Identifier(tt.input).Sanitize())
		})
	}
}

func TestCopy_EmptyRows(t *testing.T) {
	n, err := Copy(context.TODO(), nil, "panel", longColumns, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopy_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"nearshore", "panel"}, longColumns).WillReturnResult(2)

	n, err := Copy(context.Background(), mock, "nearshore.panel", longColumns,
		[][]any{{"1", "count_33_2010", 2.0}, {"2", "count_33_2010", 0.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopy_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"panel"}, longColumns).WillReturnError(fmt.Errorf("copy failed"))

	_, err = Copy(context.Background(), mock, "panel", longColumns, [][]any{{"1", "x", 1.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `COPY INTO "panel"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopy_RowWidthChecked(t *testing.T) {
	_, err := Copy(context.Background(), nil, "nearshore.panel", longColumns,
		[][]any{{"1", "x", 1.0}, {"2", 3.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 1 has 2 values for 3 columns")

	_, err = Copy(context.Background(), nil, "panel", nil, [][]any{{"1"}})
	require.Error(t, err)
}

func TestConnect_EmptyURL(t *testing.T) {
	_, err := Connect(context.Background(), "")
	require.Error(t, err)
}
