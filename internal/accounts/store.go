package accounts

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/chatrelay/internal/db"
)

const accountColumns = `id::text, username, email, password_hash, full_name, phone, preferred_language,
	status, trial_start_at, trial_end_at, is_trial_active, admin_approved, access_granted_at,
	subscription_type, subscription_start_at, subscription_end_at, COALESCE(subscription_granted_by::text, ''),
	is_admin, is_active, marketing_opt_out, marketing_last_sent_at, telegram_chat_id, created_at, last_login_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PGStore is the postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) q(ctx context.Context) db.Querier {
	return db.QuerierFromCtx(ctx, s.pool)
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a      Account
		status string
		tier   string
	)
	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.FullName, &a.Phone, &a.PreferredLanguage,
		&status, &a.TrialStartAt, &a.TrialEndAt, &a.TrialActive, &a.AdminApproved, &a.AccessGrantedAt,
		&tier, &a.SubscriptionStartAt, &a.SubscriptionEndAt, &a.SubscriptionGrantedBy,
		&a.IsAdmin, &a.Active, &a.MarketingOptOut, &a.MarketingLastSentAt, &a.TelegramChatID, &a.CreatedAt, &a.LastLoginAt,
	)
	if err != nil {
		return Account{}, err
	}
	a.Status = Status(status)
	a.SubscriptionType = SubscriptionType(tier)
	return a, nil
}

func nullableUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func (s *PGStore) Create(ctx context.Context, a Account) (Account, error) {
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, full_name, phone, preferred_language,
			status, trial_start_at, trial_end_at, is_trial_active, admin_approved, access_granted_at,
			subscription_type, subscription_start_at, subscription_end_at, subscription_granted_by,
			is_admin, is_active, marketing_opt_out, marketing_last_sent_at, telegram_chat_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING `+accountColumns,
		a.ID, a.Username, a.Email, a.PasswordHash, a.FullName, a.Phone, a.PreferredLanguage,
		string(a.Status), a.TrialStartAt, a.TrialEndAt, a.TrialActive, a.AdminApproved, a.AccessGrantedAt,
		string(a.SubscriptionType), a.SubscriptionStartAt, a.SubscriptionEndAt, nullableUUID(a.SubscriptionGrantedBy),
		a.IsAdmin, a.Active, a.MarketingOptOut, a.MarketingLastSentAt, a.TelegramChatID, a.CreatedAt,
	)
	created, err := scanAccount(row)
	if err != nil {
		return Account{}, db.MapError(err, "account", a.Username)
	}
	return created, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(s.q(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return Account{}, db.MapError(err, "account", id)
	}
	return a, nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(s.q(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Account{}, db.MapError(err, "account", id)
	}
	return a, nil
}

func (s *PGStore) GetByUsername(ctx context.Context, username string) (Account, error) {
	a, err := scanAccount(s.q(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username))
	if err != nil {
		return Account{}, db.MapError(err, "account", username)
	}
	return a, nil
}

// Update writes the mutable access and profile fields.
func (s *PGStore) Update(ctx context.Context, a Account) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE accounts SET
			full_name = $2, phone = $3, preferred_language = $4,
			status = $5, trial_end_at = $6, is_trial_active = $7, admin_approved = $8, access_granted_at = $9,
			subscription_type = $10, subscription_start_at = $11, subscription_end_at = $12, subscription_granted_by = $13,
			is_active = $14, marketing_opt_out = $15, marketing_last_sent_at = $16, telegram_chat_id = $17,
			password_hash = $18
		WHERE id = $1`,
		a.ID, a.FullName, a.Phone, a.PreferredLanguage,
		string(a.Status), a.TrialEndAt, a.TrialActive, a.AdminApproved, a.AccessGrantedAt,
		string(a.SubscriptionType), a.SubscriptionStartAt, a.SubscriptionEndAt, nullableUUID(a.SubscriptionGrantedBy),
		a.Active, a.MarketingOptOut, a.MarketingLastSentAt, a.TelegramChatID, a.PasswordHash,
	)
	if err != nil {
		return db.MapError(err, "account", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, db.ErrNotFound)
	}
	return nil
}

// ExpireTrial moves one expired trial to pending. The status guard makes
// concurrent and repeated calls transition at most once.
func (s *PGStore) ExpireTrial(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE accounts SET status = 'pending', is_trial_active = FALSE
		WHERE id = $1 AND status = 'trial' AND NOT is_admin AND trial_end_at <= $2`, id, now)
	if err != nil {
		return false, db.MapError(err, "account", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) ExpireTrials(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE accounts SET status = 'pending', is_trial_active = FALSE
		WHERE status = 'trial' AND NOT is_admin AND trial_end_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire trials: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE accounts SET last_login_at = $2 WHERE id = $1`, id, at)
	return db.MapError(err, "account", id)
}

func (s *PGStore) InsertAction(ctx context.Context, action AdminAction) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO admin_actions (id, admin_id, account_id, action, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		action.ID, action.AdminID, action.AccountID, string(action.Action), action.Reason, action.CreatedAt,
	)
	return db.MapError(err, "admin_action", action.ID)
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]Account, error) {
	query := psql.Select(accountColumns).From("accounts").OrderBy("created_at DESC")
	if filter.Status != nil {
		query = query.Where(sq.Eq{"status": string(*filter.Status)})
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query = query.Where(sq.Or{
			sq.ILike{"username": pattern},
			sq.ILike{"email": pattern},
			sq.ILike{"full_name": pattern},
		})
	}
	limit := filter.Limit
	if limit == 0 || limit > 500 {
		limit = 100
	}
	query = query.Limit(limit).Offset(filter.Offset)

	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build account query: %w", err)
	}
	rows, err := s.q(ctx).Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var items []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (s *PGStore) RecentActions(ctx context.Context, limit int) ([]AdminAction, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id::text, admin_id::text, account_id::text, action, reason, created_at
		FROM admin_actions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list admin actions: %w", err)
	}
	defer rows.Close()

	var items []AdminAction
	for rows.Next() {
		var (
			a    AdminAction
			kind string
		)
		if err := rows.Scan(&a.ID, &a.AdminID, &a.AccountID, &kind, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan admin action: %w", err)
		}
		a.Action = ActionKind(kind)
		items = append(items, a)
	}
	return items, rows.Err()
}

func (s *PGStore) Statistics(ctx context.Context, now time.Time) (Statistics, error) {
	var st Statistics
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	err := s.q(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT is_admin),
			COUNT(*) FILTER (WHERE NOT is_admin AND status = 'trial'),
			COUNT(*) FILTER (WHERE NOT is_admin AND status = 'pending'),
			COUNT(*) FILTER (WHERE NOT is_admin AND status = 'approved'),
			COUNT(*) FILTER (WHERE NOT is_admin AND status = 'suspended'),
			COUNT(*) FILTER (WHERE NOT is_admin AND status = 'monthly'),
			COUNT(*) FILTER (WHERE NOT is_admin AND status = 'yearly'),
			COUNT(*) FILTER (WHERE is_admin),
			COUNT(*) FILTER (WHERE NOT is_admin AND created_at >= $2),
			COUNT(*) FILTER (WHERE NOT is_admin AND status = 'trial' AND trial_end_at > $1 AND trial_end_at <= $1 + INTERVAL '1 day')
		FROM accounts`, now, dayStart,
	).Scan(&st.Total, &st.Trial, &st.Pending, &st.Approved, &st.Suspended, &st.Monthly, &st.Yearly,
		&st.Admins, &st.NewToday, &st.ExpiringSoon)
	if err != nil {
		return Statistics{}, fmt.Errorf("account statistics: %w", err)
	}
	return st, nil
}

func (s *PGStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
