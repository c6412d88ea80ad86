package marketing

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/chatrelay/internal/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store selects audiences and records deliveries.
type Store interface {
	TrialExpired(ctx context.Context, now time.Time, cooldown time.Duration) ([]Recipient, error)
	TrialEnding(ctx context.Context, now time.Time, cooldown time.Duration) ([]Recipient, error)
	Segment(ctx context.Context, segment Segment, now time.Time) ([]Recipient, error)
	MarkSent(ctx context.Context, accountIDs []string, at time.Time) error
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// reachable is the base of every audience: non-admin, opted in, with a chat.
func reachable() sq.SelectBuilder {
	return psql.
		Select("id::text", "COALESCE(NULLIF(full_name, ''), username)", "telegram_chat_id", "trial_end_at").
		From("accounts").
		Where(sq.Eq{"is_admin": false, "marketing_opt_out": false, "is_active": true}).
		Where(sq.NotEq{"telegram_chat_id": ""}).
		OrderBy("created_at")
}

func cooledDown(now time.Time, cooldown time.Duration) sq.Sqlizer {
	return sq.Or{
		sq.Eq{"marketing_last_sent_at": nil},
		sq.LtOrEq{"marketing_last_sent_at": now.Add(-cooldown)},
	}
}

func (s *PGStore) TrialExpired(ctx context.Context, now time.Time, cooldown time.Duration) ([]Recipient, error) {
	return s.query(ctx, reachable().
		Where(sq.Eq{"status": []string{"trial", "pending"}, "admin_approved": false}).
		Where(sq.LtOrEq{"trial_end_at": now}).
		Where(cooledDown(now, cooldown)))
}

// TrialEnding selects running trials with exactly one whole day left.
func (s *PGStore) TrialEnding(ctx context.Context, now time.Time, cooldown time.Duration) ([]Recipient, error) {
	return s.query(ctx, reachable().
		Where(sq.Eq{"status": "trial", "admin_approved": false}).
		Where(sq.GtOrEq{"trial_end_at": now.Add(24 * time.Hour)}).
		Where(sq.Lt{"trial_end_at": now.Add(48 * time.Hour)}).
		Where(cooledDown(now, cooldown)))
}

func (s *PGStore) Segment(ctx context.Context, segment Segment, now time.Time) ([]Recipient, error) {
	query := reachable()
	switch segment {
	case SegmentTrial:
		query = query.Where(sq.Eq{"status": "trial"}).Where(sq.Gt{"trial_end_at": now})
	case SegmentSubscription:
		query = query.Where(sq.Eq{"status": []string{"monthly", "yearly"}})
	case SegmentApproved:
		query = query.Where(sq.Or{sq.Eq{"status": "approved"}, sq.Eq{"admin_approved": true}})
	}
	return s.query(ctx, query)
}

func (s *PGStore) query(ctx context.Context, query sq.SelectBuilder) ([]Recipient, error) {
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audience query: %w", err)
	}
	rows, err := db.QuerierFromCtx(ctx, s.pool).Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("select audience: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.AccountID, &r.Name, &r.ChatID, &r.TrialEndAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkSent(ctx context.Context, accountIDs []string, at time.Time) error {
	if len(accountIDs) == 0 {
		return nil
	}
	sqlText, args, err := psql.Update("accounts").
		Set("marketing_last_sent_at", at).
		Where(sq.Eq{"id": accountIDs}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark sent: %w", err)
	}
	if _, err := db.QuerierFromCtx(ctx, s.pool).Exec(ctx, sqlText, args...); err != nil {
		return fmt.Errorf("mark marketing sent: %w", err)
	}
	return nil
}
