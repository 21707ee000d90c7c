// Package ledger records pipeline runs and stage executions in SQLite so an
// interrupted run can resume from the first stage whose inputs changed.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Status is the state of a run or stage.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Run is one pipeline invocation.
type Run struct {
	ID        string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stage is one stage execution within a run.
type Stage struct {
	ID          string
	RunID       string
	Name        string
	Fingerprint string
	Status      Status
	Output      string
	Rows        int
	Columns     int
	Error       string
	StartedAt   time.Time
}

// Ledger is a SQLite-backed run history.
type Ledger struct {
	db *sql.DB
}

// Open opens the ledger database at dsn and configures WAL mode.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "ledger: exec %s", pragma)
		}
	}
	return &Ledger{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	name        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	output      TEXT NOT NULL DEFAULT '',
	row_count   INTEGER NOT NULL DEFAULT 0,
	col_count   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	seq         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stages_run_id ON stages(run_id);
CREATE INDEX IF NOT EXISTS idx_stages_name_fingerprint ON stages(name, fingerprint);
`

// Migrate creates the ledger tables.
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "ledger: migrate")
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// CreateRun starts a new run.
func (l *Ledger) CreateRun(ctx context.Context) (*Run, error) {
	now := time.Now().UTC()
	r := &Run{ID: uuid.New().String(), Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		r.ID, string(r.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: insert run")
	}
	return r, nil
}

// FinishRun sets the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID string, status Status) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// StartStage records a stage as running.
func (l *Ledger) StartStage(ctx context.Context, runID, name, fingerprint string) (*Stage, error) {
	s := &Stage{
		ID:          uuid.New().String(),
		RunID:       runID,
		Name:        name,
		Fingerprint: fingerprint,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO stages (id, run_id, name, fingerprint, status, started_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stages))`,
		s.ID, runID, name, fingerprint, string(s.Status), s.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: insert stage %s for run %s", name, runID)
	}
	return s, nil
}

// CompleteStage marks a stage complete with its output file and shape.
func (l *Ledger) CompleteStage(ctx context.Context, stageID, output string, rows, columns int) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE stages SET status = ?, output = ?, row_count = ?, col_count = ? WHERE id = ?`,
		string(StatusComplete), output, rows, columns, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: complete stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

// SkipStage records that a stage was satisfied by an earlier execution.
func (l *Ledger) SkipStage(ctx context.Context, stageID, output string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE stages SET status = ?, output = ? WHERE id = ?`,
		string(StatusSkipped), output, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: skip stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

// FailStage marks a stage failed.
func (l *Ledger) FailStage(ctx context.Context, stageID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE stages SET status = ?, error = ? WHERE id = ?`,
		string(StatusFailed), msg, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: fail stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

// Done returns the latest complete execution of a stage with the given
// fingerprint, or nil.
func (l *Ledger) Done(ctx context.Context, name, fingerprint string) (*Stage, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+stageColumns+` FROM stages
		 WHERE name = ? AND fingerprint = ? AND status = ?
		 ORDER BY seq DESC LIMIT 1`,
		name, fingerprint, string(StatusComplete),
	)
	s, err := scanStage(row)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// Runs lists the most recent runs first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, status, created_at, updated_at FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "ledger: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "ledger: list runs iterate")
}

// Stages lists a run's stages in execution order.
func (l *Ledger) Stages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: list stages of run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, eris.Wrap(rows.Err(), "ledger: list stages iterate")
}

const stageColumns = `id, run_id, name, fingerprint, status, output, row_count, col_count, error, started_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanStage(row scannable) (*Stage, error) {
	var s Stage
	err := row.Scan(&s.ID, &s.RunID, &s.Name, &s.Fingerprint, &s.Status, &s.Output,
		&s.Rows, &s.Columns, &s.Error, &s.StartedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(err, "ledger: stage not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: scan stage")
	}
	return &s, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "ledger: rows affected")
	}
	if n == 0 {
		return eris.Errorf("ledger: %s not found: %s", entity, id)
	}
	return nil
}

// Fingerprint identifies a stage's inputs by their paths, sizes and
// modification times together with the parameters that shape the output.
// A missing input is an error.
func Fingerprint(params string, inputs ...string) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "params=%s\n", params)
	for _, p := range inputs {
		fi, err := os.Stat(p)
		if err != nil {
			return "", eris.Wrapf(err, "ledger: fingerprint %s", p)
		}
		fmt.Fprintf(h, "%s|%d|%d\n", p, fi.Size(), fi.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
