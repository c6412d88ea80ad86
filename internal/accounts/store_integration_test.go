package accounts_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/db"
	"github.com/memohai/chatrelay/internal/db/dbtest"
)

func TestIntegrationAccessLifecycle(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()

	clk := clock.NewFixed(time.Now().UTC().Truncate(time.Second))
	store := accounts.NewPGStore(pool)
	svc := accounts.NewService(nil, store, db.NewTxManager(pool), clk, 3)

	suffix := uuid.NewString()[:8]
	admin, err := store.Create(ctx, accounts.Account{
		ID: uuid.NewString(), Username: "admin-" + suffix, Email: "admin-" + suffix + "@example.com",
		PasswordHash: "x", PreferredLanguage: "en", Status: accounts.StatusApproved,
		TrialStartAt: clk.Now(), TrialEndAt: clk.Now(), SubscriptionType: accounts.SubscriptionNone,
		IsAdmin: true, Active: true, CreatedAt: clk.Now(),
	})
	require.NoError(t, err)

	user, err := svc.Register(ctx, accounts.RegisterRequest{
		Username: "user-" + suffix, Email: "user-" + suffix + "@example.com", Password: "long-password",
	})
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusTrial, user.Status)

	_, err = svc.Register(ctx, accounts.RegisterRequest{
		Username: "user-" + suffix, Email: "dup-" + suffix + "@example.com", Password: "long-password",
	})
	assert.ErrorIs(t, err, accounts.ErrAccountExists)

	clk.Advance(73 * time.Hour)
	ok, err := svc.CheckAccess(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	reloaded, err := svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusPending, reloaded.Status)

	_, err = svc.GrantAccess(ctx, user.ID, user.ID, "self-grant")
	assert.ErrorIs(t, err, accounts.ErrUnauthorized)

	granted, err := svc.GrantSubscription(ctx, admin.ID, user.ID, accounts.SubscriptionMonthly, "invoice 42")
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusMonthly, granted.Status)
	assert.Equal(t, admin.ID, granted.SubscriptionGrantedBy)

	ok, err = svc.CheckAccess(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	actions, err := svc.RecentActions(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	found := false
	for _, a := range actions {
		if a.AccountID == user.ID && a.Action == accounts.ActionGrantMonthly {
			found = true
			assert.Equal(t, "invoice 42", a.Reason)
		}
	}
	assert.True(t, found, "grant must be audited")

	monthly := accounts.StatusMonthly
	listed, err := svc.List(ctx, accounts.ListFilter{Status: &monthly, Search: suffix})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, user.ID, listed[0].ID)

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Monthly, int64(1))
	assert.GreaterOrEqual(t, stats.Admins, int64(1))
}
