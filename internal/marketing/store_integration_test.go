package marketing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/db"
	"github.com/memohai/chatrelay/internal/db/dbtest"
	"github.com/memohai/chatrelay/internal/marketing"
)

type seedAccount struct {
	status   string
	trialEnd time.Time
	chatID   string
	optOut   bool
	lastSent *time.Time
	approved bool
}

func insertAccount(t *testing.T, pool *pgxpool.Pool, a seedAccount) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO accounts (id, username, email, password_hash, status, trial_start_at, trial_end_at,
		                      admin_approved, marketing_opt_out, marketing_last_sent_at, telegram_chat_id)
		VALUES ($1, $2, $3, 'x', $4, $5, $6, $7, $8, $9, $10)`,
		id, "mk-"+id[:8], id[:8]+"@example.com", a.status, a.trialEnd.Add(-72*time.Hour), a.trialEnd,
		a.approved, a.optOut, a.lastSent, a.chatID)
	require.NoError(t, err)
	return id
}

func ids(rs []marketing.Recipient) map[string]bool {
	out := map[string]bool{}
	for _, r := range rs {
		out[r.AccountID] = true
	}
	return out
}

func TestIntegrationAudiences(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	store := marketing.NewPGStore(pool)

	// Far in the future so rows from other tests never fall in these windows.
	now := time.Date(2090, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-12 * time.Hour)
	old := now.Add(-96 * time.Hour)

	expiredFresh := insertAccount(t, pool, seedAccount{status: "pending", trialEnd: now.Add(-time.Hour), chatID: "1"})
	expiredCooled := insertAccount(t, pool, seedAccount{status: "trial", trialEnd: now.Add(-48 * time.Hour), chatID: "2", lastSent: &old})
	expiredRecent := insertAccount(t, pool, seedAccount{status: "pending", trialEnd: now.Add(-time.Hour), chatID: "3", lastSent: &recent})
	expiredOptOut := insertAccount(t, pool, seedAccount{status: "pending", trialEnd: now.Add(-time.Hour), chatID: "4", optOut: true})
	expiredNoChat := insertAccount(t, pool, seedAccount{status: "pending", trialEnd: now.Add(-time.Hour)})
	endingOneDay := insertAccount(t, pool, seedAccount{status: "trial", trialEnd: now.Add(30 * time.Hour), chatID: "5"})
	endingTwoDays := insertAccount(t, pool, seedAccount{status: "trial", trialEnd: now.Add(50 * time.Hour), chatID: "6"})
	subscribed := insertAccount(t, pool, seedAccount{status: "monthly", trialEnd: now.Add(-time.Hour), chatID: "7", approved: false})

	expired, err := store.TrialExpired(ctx, now, 72*time.Hour)
	require.NoError(t, err)
	got := ids(expired)
	assert.True(t, got[expiredFresh])
	assert.True(t, got[expiredCooled])
	assert.False(t, got[expiredRecent])
	assert.False(t, got[expiredOptOut])
	assert.False(t, got[expiredNoChat])
	assert.False(t, got[subscribed])

	ending, err := store.TrialEnding(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	got = ids(ending)
	assert.True(t, got[endingOneDay])
	assert.False(t, got[endingTwoDays])

	subs, err := store.Segment(ctx, marketing.SegmentSubscription, now)
	require.NoError(t, err)
	assert.True(t, ids(subs)[subscribed])
	assert.False(t, ids(subs)[endingOneDay])

	all, err := store.Segment(ctx, marketing.SegmentAll, now)
	require.NoError(t, err)
	assert.False(t, ids(all)[expiredOptOut])

	require.NoError(t, store.MarkSent(ctx, []string{expiredFresh}, now))
	expired, err = store.TrialExpired(ctx, now.Add(time.Hour), 72*time.Hour)
	require.NoError(t, err)
	assert.False(t, ids(expired)[expiredFresh])
}

func TestIntegrationProfileChatIDJoinsAudience(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	now := time.Date(2095, 2, 1, 9, 0, 0, 0, time.UTC)
	accountSvc := accounts.NewService(nil, accounts.NewPGStore(pool), db.NewTxManager(pool), clock.NewFixed(now), 3)
	store := marketing.NewPGStore(pool)

	suffix := uuid.NewString()[:8]
	acct, err := accountSvc.Register(ctx, accounts.RegisterRequest{
		Username: "lead-" + suffix, Email: "lead-" + suffix + "@example.com", Password: "hunter2hunter2",
	})
	require.NoError(t, err)

	trial, err := store.Segment(ctx, marketing.SegmentTrial, now)
	require.NoError(t, err)
	assert.False(t, ids(trial)[acct.ID], "no chat id, not reachable")

	chatID := "700100200"
	_, err = accountSvc.UpdateProfile(ctx, acct.ID, accounts.UpdateProfileRequest{TelegramChatID: &chatID})
	require.NoError(t, err)

	trial, err = store.Segment(ctx, marketing.SegmentTrial, now)
	require.NoError(t, err)
	require.True(t, ids(trial)[acct.ID])
	for _, r := range trial {
		if r.AccountID == acct.ID {
			assert.Equal(t, chatID, r.ChatID)
		}
	}

	expired, err := store.TrialExpired(ctx, now.Add(4*24*time.Hour), 72*time.Hour)
	require.NoError(t, err)
	assert.True(t, ids(expired)[acct.ID])
}
