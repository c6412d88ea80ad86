package bots

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/db"
)

const botColumns = `id::text, owner_id::text, name, description, system_prompt, languages, is_active, max_daily_messages, created_at, updated_at`

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

func scanBot(row pgx.Row) (Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Description, &b.SystemPrompt, &b.Languages,
		&b.IsActive, &b.MaxDailyMessages, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (s *PGStore) Create(ctx context.Context, b Bot) (Bot, error) {
	created, err := scanBot(s.q(ctx).QueryRow(ctx, `
		INSERT INTO bots (id, owner_id, name, description, system_prompt, languages, is_active, max_daily_messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING `+botColumns,
		b.ID, b.OwnerID, b.Name, b.Description, b.SystemPrompt, b.Languages, b.IsActive, b.MaxDailyMessages, b.CreatedAt,
	))
	if err != nil {
		return Bot{}, db.MapError(err, "bot", b.Name)
	}
	return created, nil
}

// Get loads a bot with its platform bindings.
func (s *PGStore) Get(ctx context.Context, id string) (Bot, error) {
	b, err := scanBot(s.q(ctx).QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, fmt.Errorf("bot %s: %w", id, ErrBotNotFound)
	}
	if err != nil {
		return Bot{}, db.MapError(err, "bot", id)
	}
	platforms, err := s.platforms(ctx, id)
	if err != nil {
		return Bot{}, err
	}
	b.Platforms = platforms
	return b, nil
}

func (s *PGStore) platforms(ctx context.Context, botID string) (map[channel.Platform]PlatformBinding, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT platform, token, webhook_url, external_id, updated_at
		FROM bot_platforms WHERE bot_id = $1`, botID)
	if err != nil {
		return nil, fmt.Errorf("list bot platforms: %w", err)
	}
	defer rows.Close()

	out := map[channel.Platform]PlatformBinding{}
	for rows.Next() {
		var (
			b        PlatformBinding
			platform string
		)
		if err := rows.Scan(&platform, &b.Token, &b.WebhookURL, &b.ExternalID, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan bot platform: %w", err)
		}
		b.Platform = channel.Platform(platform)
		out[b.Platform] = b
	}
	return out, rows.Err()
}

func (s *PGStore) ListByOwner(ctx context.Context, ownerID string) ([]Bot, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+botColumns+` FROM bots WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var items []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// Update writes the editable settings of a bot.
func (s *PGStore) Update(ctx context.Context, b Bot) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE bots
		SET name = $2, description = $3, system_prompt = $4, languages = $5, max_daily_messages = $6, updated_at = $7
		WHERE id = $1`,
		b.ID, b.Name, b.Description, b.SystemPrompt, b.Languages, b.MaxDailyMessages, b.UpdatedAt,
	)
	if err != nil {
		return db.MapError(err, "bot", b.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", b.ID, ErrBotNotFound)
	}
	return nil
}

// Delete removes a bot. Platform bindings, conversations and knowledge
// entries go with it through ON DELETE CASCADE.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return db.MapError(err, "bot", id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrBotNotFound)
	}
	return nil
}

func (s *PGStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.q(ctx).Exec(ctx, `UPDATE bots SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return db.MapError(err, "bot", id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrBotNotFound)
	}
	return nil
}

func (s *PGStore) UpsertPlatform(ctx context.Context, botID string, b PlatformBinding) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO bot_platforms (bot_id, platform, token, webhook_url, external_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (bot_id, platform) DO UPDATE
			SET token = EXCLUDED.token, webhook_url = EXCLUDED.webhook_url,
			    external_id = EXCLUDED.external_id, updated_at = EXCLUDED.updated_at`,
		botID, string(b.Platform), b.Token, b.WebhookURL, b.ExternalID, b.UpdatedAt,
	)
	return db.MapError(err, "bot_platform", botID)
}

func (s *PGStore) DeletePlatform(ctx context.Context, botID string, platform channel.Platform) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM bot_platforms WHERE bot_id = $1 AND platform = $2`, botID, string(platform))
	if err != nil {
		return db.MapError(err, "bot_platform", botID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s %s: %w", botID, platform, ErrPlatformNotConfigured)
	}
	return nil
}

func (s *PGStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bots: %w", err)
	}
	return n, nil
}
