package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/db"
	"github.com/memohai/chatrelay/internal/db/dbtest"
	"github.com/memohai/chatrelay/internal/stats"
)

func TestIntegrationSnapshotOncePerDay(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	store := stats.NewStore(pool)

	// A day no other test writes to.
	now := time.Date(1999, 7, 14, 0, 5, 0, 0, time.UTC)

	first, created, err := store.Snapshot(ctx, now)
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, first.Day.Equal(time.Date(1999, 7, 14, 0, 0, 0, 0, time.UTC)))

	again, created, err := store.Snapshot(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TotalAccounts, again.TotalAccounts)
	assert.True(t, first.CreatedAt.Equal(again.CreatedAt))

	got, err := store.Get(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, first.TotalBots, got.TotalBots)

	_, err = store.Get(ctx, now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, db.ErrNotFound)

	n, err := store.DeleteBefore(ctx, now.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_, err = store.Get(ctx, now)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
