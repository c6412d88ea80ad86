// Package stats keeps one snapshot of platform counters per day.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/chatrelay/internal/db"
)

// DailyStats is the snapshot taken for one UTC day.
type DailyStats struct {
	Day                time.Time `json:"day"`
	TotalAccounts      int64     `json:"total_accounts"`
	ActiveTrials       int64     `json:"active_trials"`
	ApprovedAccounts   int64     `json:"approved_accounts"`
	SubscribedAccounts int64     `json:"subscribed_accounts"`
	TotalBots          int64     `json:"total_bots"`
	TotalMessages      int64     `json:"total_messages"`
	CreatedAt          time.Time `json:"created_at"`
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const statsColumns = `day, total_accounts, active_trials, approved_accounts, subscribed_accounts, total_bots, total_messages, created_at`

func scanStats(row pgx.Row) (DailyStats, error) {
	var s DailyStats
	err := row.Scan(&s.Day, &s.TotalAccounts, &s.ActiveTrials, &s.ApprovedAccounts,
		&s.SubscribedAccounts, &s.TotalBots, &s.TotalMessages, &s.CreatedAt)
	return s, err
}

// Snapshot records the counters for the day containing now. It is a no-op
// returning false when the day already has a snapshot.
func (s *Store) Snapshot(ctx context.Context, now time.Time) (DailyStats, bool, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	q := db.QuerierFromCtx(ctx, s.pool)
	snap, err := scanStats(q.QueryRow(ctx, `
		INSERT INTO daily_stats (`+statsColumns+`)
		SELECT $1::date,
		       (SELECT COUNT(*) FROM accounts WHERE NOT is_admin),
		       (SELECT COUNT(*) FROM accounts WHERE is_trial_active AND trial_end_at > $2 AND NOT is_admin),
		       (SELECT COUNT(*) FROM accounts WHERE admin_approved),
		       (SELECT COUNT(*) FROM accounts WHERE status IN ('monthly', 'yearly')),
		       (SELECT COUNT(*) FROM bots),
		       (SELECT COUNT(*) FROM messages),
		       $2
		ON CONFLICT (day) DO NOTHING
		RETURNING `+statsColumns,
		day, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.Get(ctx, day)
		return existing, false, err
	}
	if err != nil {
		return DailyStats{}, false, fmt.Errorf("snapshot daily stats: %w", err)
	}
	return snap, true, nil
}

// Get returns the snapshot of day.
func (s *Store) Get(ctx context.Context, day time.Time) (DailyStats, error) {
	snap, err := scanStats(db.QuerierFromCtx(ctx, s.pool).QueryRow(ctx,
		`SELECT `+statsColumns+` FROM daily_stats WHERE day = $1::date`, day.UTC().Truncate(24*time.Hour)))
	if err != nil {
		return DailyStats{}, db.MapError(err, "daily stats", day.Format(time.DateOnly))
	}
	return snap, nil
}

// Recent returns up to limit snapshots, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]DailyStats, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := db.QuerierFromCtx(ctx, s.pool).Query(ctx,
		`SELECT `+statsColumns+` FROM daily_stats ORDER BY day DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list daily stats: %w", err)
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		snap, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteBefore removes snapshots older than cutoff's day.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.QuerierFromCtx(ctx, s.pool).Exec(ctx,
		`DELETE FROM daily_stats WHERE day < $1::date`, cutoff.UTC().Truncate(24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("delete daily stats: %w", err)
	}
	return tag.RowsAffected(), nil
}
