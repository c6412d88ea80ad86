package conversation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/bots"
	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/conversation"
	"github.com/memohai/chatrelay/internal/db"
	"github.com/memohai/chatrelay/internal/db/dbtest"
)

func seedBot(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	ctx := context.Background()
	ownerID, botID := uuid.NewString(), uuid.NewString()
	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, trial_start_at, trial_end_at)
		VALUES ($1, $2, $3, 'x', now(), now() + INTERVAL '3 days')`,
		ownerID, "owner-"+ownerID[:8], ownerID[:8]+"@example.com")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO bots (id, owner_id, name) VALUES ($1, $2, 'support')`, botID, ownerID)
	require.NoError(t, err)
	return botID
}

func TestIntegrationGetOrCreateConcurrent(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	store := conversation.NewStore(nil, pool, db.NewTxManager(pool), clock.System{})
	botID := seedBot(t, pool)

	id := conversation.Identity{
		BotID: botID, Platform: channel.PlatformTelegram, PlatformUserID: "4242",
		DisplayName: "Ali", Language: "ru",
	}

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := store.GetOrCreate(ctx, id)
			assert.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()
	for _, got := range ids {
		assert.Equal(t, ids[0], got)
	}

	var rows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE bot_id = $1`, botID).Scan(&rows))
	assert.Equal(t, 1, rows)

	c, created, err := store.GetOrCreate(ctx, conversation.Identity{
		BotID: botID, Platform: channel.PlatformTelegram, PlatformUserID: "4242",
		DisplayName: "Ali V.", Language: "en",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ali V.", c.PlatformUsername)
	assert.Equal(t, "ru", c.Language, "language is only set on create")

	c, created, err = store.GetOrCreate(ctx, conversation.Identity{
		BotID: botID, Platform: channel.PlatformTelegram, PlatformUserID: "4242",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ali V.", c.PlatformUsername)
}

func TestIntegrationAppendAndHistory(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	// Old enough that the retention delete below only touches rows written here.
	clk := clock.NewFixed(time.Date(2001, 3, 4, 10, 0, 0, 0, time.UTC))
	store := conversation.NewStore(nil, pool, db.NewTxManager(pool), clk)
	botID := seedBot(t, pool)

	c, created, err := store.GetOrCreate(ctx, conversation.Identity{
		BotID: botID, Platform: channel.PlatformWhatsApp, PlatformUserID: "998901234567",
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "uz", c.Language)

	for i := 0; i < 12; i++ {
		clk.Advance(time.Second)
		_, err := store.AppendMessage(ctx, c.ID, conversation.NewMessage{
			Content:    string(rune('a' + i)),
			IsFromUser: i%2 == 0,
		})
		require.NoError(t, err)
	}

	history, err := store.RecentHistory(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 10)
	assert.Equal(t, "c", history[0].Content)
	assert.Equal(t, "l", history[9].Content)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].ID < history[i].ID)
	}

	reloaded, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, clk.Now(), reloaded.UpdatedAt, time.Millisecond)

	n, err := store.CountAssistantMessagesSince(ctx, botID, clock.StartOfDay(clk.Now()).Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)

	require.NoError(t, store.SetLanguage(ctx, c.ID, "en"))
	reloaded, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "en", reloaded.Language)

	_, err = store.AppendMessage(ctx, uuid.NewString(), conversation.NewMessage{Content: "x", IsFromUser: true})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	deleted, err := store.DeleteMessagesBefore(ctx, clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 12, deleted)
}

func TestIntegrationWebThreadRemovedWithBot(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	store := conversation.NewStore(nil, pool, db.NewTxManager(pool), clock.System{})
	botStore := bots.NewPGStore(pool)
	botID := seedBot(t, pool)

	c, created, err := store.GetOrCreate(ctx, conversation.Identity{
		BotID: botID, Platform: channel.PlatformWeb, PlatformUserID: uuid.NewString(), Language: "en",
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = store.AppendMessage(ctx, c.ID, conversation.NewMessage{Content: "hello", IsFromUser: true})
	require.NoError(t, err)

	bot, err := botStore.Get(ctx, botID)
	require.NoError(t, err)
	bot.Name = "renamed"
	bot.MaxDailyMessages = 7
	bot.UpdatedAt = time.Now()
	require.NoError(t, botStore.Update(ctx, bot))
	reloaded, err := botStore.Get(ctx, botID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", reloaded.Name)
	assert.Equal(t, 7, reloaded.MaxDailyMessages)

	require.NoError(t, botStore.Delete(ctx, botID))
	assert.ErrorIs(t, botStore.Delete(ctx, botID), bots.ErrBotNotFound)

	_, err = store.Get(ctx, c.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
	var rows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, c.ID).Scan(&rows))
	assert.Zero(t, rows)
}
