package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a merge into a table with a unique key, such as
// the published panel's (grid_id, variable).
type UpsertConfig struct {
	Table        string   // target, optionally schema-qualified
	Columns      []string // columns of each row, in order
	ConflictKeys []string // the unique key; must be a subset of Columns
	UpdateCols   []string // overwritten on conflict; nil means every non-key column
}

// BulkUpsert copies rows into a temp table shaped like the target and then
// merges them with INSERT ... ON CONFLICT in one transaction.
//
// A key may appear only once in rows: Postgres will not update the same
// target row twice in one statement, so duplicates are rejected up front.
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
	keyPos := make([]int, len(cfg.ConflictKeys))
	for i, k := range cfg.ConflictKeys {
		if keyPos[i] = slices.Index(cfg.Columns, k); keyPos[i] < 0 {
			return 0, eris.Errorf("db: upsert: conflict key %q is not a column", k)
		}
	}
	if err := checkRows(cfg.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s", cfg.Table)
	}
	if err := uniqueKeys(rows, keyPos); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s", cfg.Table)
	}

	update := cfg.UpdateCols
	if update == nil {
		for _, c := range cfg.Columns {
			if !slices.Contains(cfg.ConflictKeys, c) {
				update = append(update, c)
			}
		}
	}

	target := Identifier(cfg.Table).Sanitize()
	staging := pgx.Identifier{"_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", staging.Sanitize(), target)
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	action := "DO NOTHING"
	if len(update) > 0 {
		set := make([]string, len(update))
		for i, c := range update {
			id := pgx.Identifier{c}.Sanitize()
			set[i] = id + " = EXCLUDED." + id
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	cols := quoteAndJoin(cfg.Columns)
	merge := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		target, cols, cols, staging.Sanitize(), quoteAndJoin(cfg.ConflictKeys), action)
	tag, err := tx.Exec(ctx, merge)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// uniqueKeys reports the first row whose key repeats an earlier row's.
func uniqueKeys(rows [][]any, keyPos []int) error {
	seen := make(map[string]int, len(rows))
	var b strings.Builder
	for i, r := range rows {
		b.Reset()
		for _, p := range keyPos {
			fmt.Fprintf(&b, "%v\x00", r[p])
		}
		if j, ok := seen[b.String()]; ok {
			return eris.Errorf("rows %d and %d share key %v", j, i, keyValues(r, keyPos))
		}
		seen[b.String()] = i
	}
	return nil
}

func keyValues(row []any, keyPos []int) []any {
	out := make([]any, len(keyPos))
	for i, p := range keyPos {
		out[i] = row[p]
	}
	return out
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
