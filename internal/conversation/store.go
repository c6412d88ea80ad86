package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/db"
)

const (
	conversationColumns = `id::text, bot_id::text, platform, platform_user_id, platform_username, language, is_active, created_at, updated_at`
	messageColumns      = `id, conversation_id::text, content, message_type, is_from_user, tokens_used, latency_ms, created_at`

	// DefaultHistoryLimit is the number of turns handed to the completion adapter.
	DefaultHistoryLimit = 10
)

// TxRunner runs fn in one transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the postgres-backed conversation store.
type Store struct {
	pool   *pgxpool.Pool
	tx     TxRunner
	clock  clock.Clock
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool, tx TxRunner, clk clock.Clock) *Store {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		pool:   pool,
		tx:     tx,
		clock:  clk,
		logger: log.With(slog.String("service", "conversation")),
	}
}

func (s *Store) q(ctx context.Context) db.Querier {
	return db.QuerierFromCtx(ctx, s.pool)
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c        Conversation
		platform string
	)
	if err := row.Scan(&c.ID, &c.BotID, &platform, &c.PlatformUserID, &c.PlatformUsername,
		&c.Language, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	c.Platform = channel.Platform(platform)
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &m.MessageType, &m.IsFromUser,
		&m.TokensUsed, &m.LatencyMS, &m.CreatedAt)
	return m, err
}

// GetOrCreate returns the conversation keyed by (bot, platform, user), creating
// it on first contact. The unique constraint makes duplicate deliveries converge
// on one row. A changed non-empty display name is written back on hit.
func (s *Store) GetOrCreate(ctx context.Context, id Identity) (Conversation, bool, error) {
	if strings.TrimSpace(id.BotID) == "" || strings.TrimSpace(id.PlatformUserID) == "" {
		return Conversation{}, false, fmt.Errorf("conversation identity: %w", db.ErrValidation)
	}
	if !id.Platform.IsValid() {
		return Conversation{}, false, fmt.Errorf("conversation platform %q: %w", id.Platform, db.ErrValidation)
	}
	lang := id.Language
	if lang == "" {
		lang = "uz"
	}
	now := s.clock.Now()

	var inserted bool
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO conversations (id, bot_id, platform, platform_user_id, platform_username, language, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT ON CONSTRAINT conversations_identity_key DO UPDATE
			SET platform_username = EXCLUDED.platform_username
			WHERE EXCLUDED.platform_username <> ''
			  AND conversations.platform_username IS DISTINCT FROM EXCLUDED.platform_username
		RETURNING `+conversationColumns+`, (xmax = 0)`,
		uuid.NewString(), id.BotID, string(id.Platform), id.PlatformUserID, id.DisplayName, lang, now,
	)
	var (
		c        Conversation
		platform string
	)
	err := row.Scan(&c.ID, &c.BotID, &platform, &c.PlatformUserID, &c.PlatformUsername,
		&c.Language, &c.IsActive, &c.CreatedAt, &c.UpdatedAt, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with nothing to update: the row exists unchanged.
		existing, findErr := s.Find(ctx, id.BotID, id.Platform, id.PlatformUserID)
		return existing, false, findErr
	}
	if err != nil {
		return Conversation{}, false, db.MapError(err, "conversation", id.PlatformUserID)
	}
	c.Platform = channel.Platform(platform)
	if inserted {
		s.logger.Info("conversation created",
			slog.String("conversation_id", c.ID),
			slog.String("bot_id", c.BotID),
			slog.String("platform", string(c.Platform)))
	}
	return c, inserted, nil
}

// Find looks a conversation up by its identity key.
func (s *Store) Find(ctx context.Context, botID string, platform channel.Platform, platformUserID string) (Conversation, error) {
	c, err := scanConversation(s.q(ctx).QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE bot_id = $1 AND platform = $2 AND platform_user_id = $3`,
		botID, string(platform), platformUserID))
	if err != nil {
		return Conversation{}, mapNotFound(err, platformUserID)
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.q(ctx).QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return Conversation{}, mapNotFound(err, id)
	}
	return c, nil
}

// AppendMessage inserts one turn and bumps the conversation's updated_at in
// the same transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, in NewMessage) (Message, error) {
	var out Message
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		tag, err := s.q(ctx).Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, conversationID, now)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
		}
		m, err := scanMessage(s.q(ctx).QueryRow(ctx, `
			INSERT INTO messages (conversation_id, content, message_type, is_from_user, tokens_used, latency_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+messageColumns,
			conversationID, in.Content, messageTypeText, in.IsFromUser, in.TokensUsed, in.Latency.Milliseconds(), now,
		))
		if err != nil {
			return db.MapError(err, "message", conversationID)
		}
		out = m
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

// RecentHistory returns the last limit messages in chronological order.
func (s *Store) RecentHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	return chronological(items), nil
}

// SetLanguage records an explicit language choice.
func (s *Store) SetLanguage(ctx context.Context, conversationID, language string) error {
	tag, err := s.q(ctx).Exec(ctx, `UPDATE conversations SET language = $2, updated_at = $3 WHERE id = $1`,
		conversationID, language, s.clock.Now())
	if err != nil {
		return fmt.Errorf("set conversation language: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

// CountAssistantMessagesSince counts replies a bot produced since the given instant.
func (s *Store) CountAssistantMessagesSince(ctx context.Context, botID string, since time.Time) (int64, error) {
	var n int64
	err := s.q(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.bot_id = $1 AND NOT m.is_from_user AND m.created_at >= $2`, botID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bot replies: %w", err)
	}
	return n, nil
}

// DeleteMessagesBefore removes messages older than cutoff.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountMessages returns the total number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func mapNotFound(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return db.MapError(err, "conversation", id)
}
