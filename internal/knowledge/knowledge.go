// Package knowledge stores the per-bot documents that ground AI replies.
package knowledge

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

	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/db"
)

var ErrNotFound = errors.New("knowledge entry not found")

// entrySeparator joins active entries in ActiveContent.
const entrySeparator = "\n\n"

// Entry is one uploaded knowledge document.
type Entry struct {
	ID               string    `json:"id"`
	BotID            string    `json:"bot_id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	FileType         string    `json:"file_type"`
	FileSize         int64     `json:"file_size"`
	Content          string    `json:"-"`
	Summary          string    `json:"summary,omitempty"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
}

// AddRequest is the input for Add.
type AddRequest struct {
	OriginalFilename string `json:"original_filename" validate:"required,max=255"`
	FileType         string `json:"file_type" validate:"required,oneof=txt md pdf docx csv"`
	Content          string `json:"content" validate:"required"`
	Summary          string `json:"summary" validate:"max=2000"`
}

// Store reads and writes knowledge entries.
type Store struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool, clk clock.Clock) *Store {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{pool: pool, clock: clk, logger: log.With(slog.String("service", "knowledge"))}
}

func (s *Store) q(ctx context.Context) db.Querier {
	return db.QuerierFromCtx(ctx, s.pool)
}

const entryColumns = `id::text, bot_id::text, filename, original_filename, file_type, file_size, content, summary, is_active, created_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.BotID, &e.Filename, &e.OriginalFilename, &e.FileType, &e.FileSize,
		&e.Content, &e.Summary, &e.IsActive, &e.CreatedAt)
	return e, err
}

// Add stores a new active entry for botID.
func (s *Store) Add(ctx context.Context, botID string, req AddRequest) (Entry, error) {
	content := strings.TrimSpace(req.Content)
	if botID == "" || content == "" {
		return Entry{}, fmt.Errorf("knowledge entry: %w", db.ErrValidation)
	}
	id := uuid.NewString()
	fileType := strings.ToLower(strings.TrimPrefix(req.FileType, "."))
	e, err := scanEntry(s.q(ctx).QueryRow(ctx, `
		INSERT INTO knowledge_entries (id, bot_id, filename, original_filename, file_type, file_size, content, summary, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		RETURNING `+entryColumns,
		id, botID, id+"."+fileType, req.OriginalFilename, fileType, int64(len(content)), content,
		strings.TrimSpace(req.Summary), s.clock.Now(),
	))
	if err != nil {
		return Entry{}, db.MapError(err, "knowledge entry", req.OriginalFilename)
	}
	s.logger.Info("knowledge entry added", slog.String("bot_id", botID), slog.String("entry_id", e.ID), slog.Int64("size", e.FileSize))
	return e, nil
}

// List returns every entry of botID, newest first.
func (s *Store) List(ctx context.Context, botID string) ([]Entry, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+entryColumns+` FROM knowledge_entries WHERE bot_id = $1 ORDER BY created_at DESC, id`, botID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge entries: %w", err)
	}
	defer rows.Close()

	var items []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge entry: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// SetActive toggles whether an entry contributes to ActiveContent.
func (s *Store) SetActive(ctx context.Context, botID, entryID string, active bool) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE knowledge_entries SET is_active = $3 WHERE id = $1 AND bot_id = $2`, entryID, botID, active)
	if err != nil {
		return db.MapError(err, "knowledge entry", entryID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("knowledge entry %s: %w", entryID, ErrNotFound)
	}
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, botID, entryID string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM knowledge_entries WHERE id = $1 AND bot_id = $2`, entryID, botID)
	if err != nil {
		return db.MapError(err, "knowledge entry", entryID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("knowledge entry %s: %w", entryID, ErrNotFound)
	}
	return nil
}

// ActiveContent concatenates the active entries of botID in upload order.
// An empty string means the bot has no knowledge loaded.
func (s *Store) ActiveContent(ctx context.Context, botID string) (string, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT content FROM knowledge_entries
		WHERE bot_id = $1 AND is_active AND content <> ''
		ORDER BY created_at, id`, botID)
	if err != nil {
		return "", fmt.Errorf("load knowledge content: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("scan knowledge content: %w", err)
		}
		parts = append(parts, content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, entrySeparator), nil
}
