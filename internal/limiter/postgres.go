package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed quota with a resetting window per user.
type PG struct {
	pool   pgxQuerier
	window time.Duration
	limit  int
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed quota of limit sends per window.
func NewPG(pool *pgxpool.Pool, window time.Duration, limit int) *PG {
	return &PG{pool: pool, window: window, limit: limit}
}

// NewPGWithQuerier constructs a PostgreSQL-backed quota.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, limit int) *PG {
	return &PG{pool: q, window: window, limit: limit}
}

// The row lock taken by prev serializes concurrent reservations of one user.
const reserveSQL = `
WITH prev AS (
  SELECT sent_count, window_start FROM invite_quota WHERE user_id=$1 FOR UPDATE
), up AS (
  INSERT INTO invite_quota (user_id, sent_count, window_start, updated_at)
  VALUES ($1, LEAST($2::int, $3::int), now(), now())
  ON CONFLICT (user_id) DO UPDATE
  SET
    sent_count = CASE
      WHEN now() - invite_quota.window_start >= $4::interval THEN LEAST($2::int, $3::int)
      ELSE invite_quota.sent_count + LEAST($2::int, GREATEST($3::int - invite_quota.sent_count, 0))
    END,
    window_start = CASE
      WHEN now() - invite_quota.window_start >= $4::interval THEN now()
      ELSE invite_quota.window_start
    END,
    updated_at = now()
  RETURNING sent_count, window_start
)
SELECT up.sent_count, up.window_start,
  COALESCE(CASE WHEN prev.window_start = up.window_start THEN prev.sent_count END, 0)
FROM up LEFT JOIN prev ON true`

// Reserve implements Quota.
func (l *PG) Reserve(ctx context.Context, userID uuid.UUID, n int) (int, time.Duration, error) {
	if n <= 0 {
		return 0, 0, nil
	}
	var used, before int
	var windowStart time.Time
	if err := l.pool.QueryRow(ctx, reserveSQL, userID, n, l.limit, l.window).Scan(&used, &windowStart, &before); err != nil {
		return 0, 0, err
	}
	granted := used - before
	if granted >= n {
		return granted, 0, nil
	}
	retry := time.Until(windowStart.Add(l.window))
	if retry < 0 {
		retry = 0
	}
	return granted, retry, nil
}
