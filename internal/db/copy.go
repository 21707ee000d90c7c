package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Identifier splits a table name that may carry a schema ("nearshore.panel").
func Identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

// Copy streams rows into table with the COPY protocol. Every row must hold
// one value per column.
func Copy(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	id := Identifier(table)
	if err := checkRows(columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", id.Sanitize())
	}
	n, err := pool.CopyFrom(ctx, id, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", id.Sanitize())
	}
	return n, nil
}

func checkRows(columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return eris.New("no columns")
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return eris.Errorf("row %d has %d values for %d columns", i, len(r), len(columns))
		}
	}
	return nil
}
