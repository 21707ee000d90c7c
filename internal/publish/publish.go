// Package publish exports the master panel to Postgres in long form, one row
// per grid cell and column.
package publish

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/db"
	"github.com/sells-group/nearshore-cli/internal/panel"
)

// Modes.
const (
	ModeReplace = "replace"
	ModeUpsert  = "upsert"
)

// Columns of the published table.
var Columns = []string{"grid_id", "variable", "value"}

// Options configures the export.
type Options struct {
	Schema    string
	Table     string
	Mode      string // replace (default) swaps the table contents atomically; upsert merges on (grid_id, variable)
	BatchSize int
}

const defaultBatch = 50_000

// Publish writes every cell of f to {schema}.{table}, creating both if
// needed, and returns the number of rows written.
func Publish(ctx context.Context, pool db.Pool, f *panel.Frame, opts Options) (int64, error) {
	if opts.Schema == "" || opts.Table == "" {
		return 0, eris.New("publish: schema and table are required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeReplace
	}
	if opts.Mode != ModeReplace && opts.Mode != ModeUpsert {
		return 0, eris.Errorf("publish: unknown mode %q", opts.Mode)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatch
	}

	schema := pgx.Identifier{opts.Schema}.Sanitize()
	table := pgx.Identifier{opts.Schema, opts.Table}.Sanitize()
	log := zap.L().With(zap.String("component", "publish"), zap.String("table", table), zap.String("mode", opts.Mode))

	// Replace mode runs the DDL, the truncate and every COPY batch in one
	// transaction, so a failed batch leaves the previous table intact.
	// Upsert batches commit on their own; re-running them converges.
	w := pool
	var tx pgx.Tx
	if opts.Mode == ModeReplace {
		var err error
		if tx, err = pool.Begin(ctx); err != nil {
			return 0, eris.Wrapf(err, "publish: begin %s", table)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		w = tx
	}

	ddl := []string{
		"CREATE SCHEMA IF NOT EXISTS " + schema,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	grid_id  TEXT NOT NULL,
	variable TEXT NOT NULL,
	value    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (grid_id, variable)
)`, table),
	}
	if opts.Mode == ModeReplace {
		ddl = append(ddl, "TRUNCATE "+table)
	}
	for _, stmt := range ddl {
		if _, err := w.Exec(ctx, stmt); err != nil {
			return 0, eris.Wrapf(err, "publish: prepare %s", table)
		}
	}

	cols := f.Columns()
	values := make([][]float64, len(cols))
	for j, c := range cols {
		values[j], _ = f.Values(c)
	}

	var total int64
	batch := make([][]any, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var n int64
		var err error
		if opts.Mode == ModeUpsert {
			n, err = db.BulkUpsert(ctx, w, db.UpsertConfig{
				Table:        opts.Schema + "." + opts.Table,
				Columns:      Columns,
				ConflictKeys: Columns[:2],
			}, batch)
		} else {
			n, err = db.Copy(ctx, w, opts.Schema+"."+opts.Table, Columns, batch)
		}
		if err != nil {
			return eris.Wrap(err, "publish: write batch")
		}
		total += n
		log.Debug("batch written", zap.Int64("rows", n), zap.Int64("total", total))
		batch = batch[:0]
		return nil
	}

	for i, key := range f.Keys() {
		for j, c := range cols {
			batch = append(batch, []any{key, c.Name(), values[j][i]})
			if len(batch) == opts.BatchSize {
				if err := flush(); err != nil {
					return 0, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			return 0, eris.Wrapf(err, "publish: commit %s", table)
		}
	}

	log.Info("panel published", zap.Int64("rows", total), zap.Int("cells", f.Len()), zap.Int("columns", len(cols)))
	return total, nil
}
