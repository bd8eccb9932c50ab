// Package postgres contains PostgreSQL implementations of repository interfaces.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the part of a connection pool the repositories use.
// *pgxpool.Pool and pgxmock.PgxPoolIface both satisfy it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB holds the pool shared by the repositories; the caller owns its lifetime.
type DB struct{ Pool PgxPool }
