// Package db provides Postgres helpers for bulk copy and upsert of panel rows.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/nearshore-cli/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the helpers use.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect opens a pool and checks the connection.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, eris.New("db: empty database url")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, eris.Wrap(err, "db: connect")
	}
	if err := ping(ctx, pool, resilience.DefaultRetryConfig()); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ping retries while the server is starting or refusing connections.
func ping(ctx context.Context, p pinger, retry resilience.RetryConfig) error {
	retry.OnRetry = resilience.LogRetry("db.ping")
	if err := resilience.Do(ctx, retry, p.Ping); err != nil {
		return eris.Wrap(err, "db: ping")
	}
	return nil
}
