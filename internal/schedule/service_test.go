package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/config"
	"github.com/memohai/chatrelay/internal/marketing"
	"github.com/memohai/chatrelay/internal/stats"
)

type fakeTrials struct {
	expired  int64
	err      error
	byStatus map[accounts.Status][]accounts.Account
	calls    int
}

func (f *fakeTrials) ExpireTrials(context.Context) (int64, error) {
	f.calls++
	return f.expired, f.err
}

func (f *fakeTrials) ListByStatus(_ context.Context, status accounts.Status) ([]accounts.Account, error) {
	return f.byStatus[status], nil
}

type fakeStats struct {
	snapshotAt time.Time
	cutoff     time.Time
}

func (f *fakeStats) Snapshot(_ context.Context, now time.Time) (stats.DailyStats, bool, error) {
	f.snapshotAt = now
	return stats.DailyStats{Day: clock.StartOfDay(now)}, true, nil
}

func (f *fakeStats) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 1, nil
}

type fakePruner struct {
	cutoff time.Time
	err    error
}

func (f *fakePruner) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

type fakeCampaigner struct{ runs int }

func (f *fakeCampaigner) RunTrialCampaigns(context.Context) (marketing.Report, error) {
	f.runs++
	return marketing.Report{}, nil
}

type fixture struct {
	svc       *Service
	trials    *fakeTrials
	stats     *fakeStats
	messages  *fakePruner
	campaigns *fakeCampaigner
	clock     *clock.Fixed
}

func newFixture(t *testing.T, mutate func(*config.Config)) fixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	f := fixture{
		trials:    &fakeTrials{byStatus: map[accounts.Status][]accounts.Account{}},
		stats:     &fakeStats{},
		messages:  &fakePruner{},
		campaigns: &fakeCampaigner{},
		clock:     clock.NewFixed(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)),
	}
	f.svc = NewService(nil, Deps{
		Trials:    f.trials,
		Stats:     f.stats,
		Messages:  f.messages,
		Marketing: f.campaigns,
	}, cfg, f.clock)
	return f
}

func TestJobsUseConfiguredSpecs(t *testing.T) {
	f := newFixture(t, nil)
	specs := map[string]string{}
	for _, j := range f.svc.Jobs() {
		specs[j.Name] = j.Spec
	}
	assert.Equal(t, map[string]string{
		JobTrialSweep:         "0 * * * *",
		JobDailyStats:         "5 0 * * *",
		JobTrialNotifications: "0 9 * * *",
		JobMarketing:          "0 10 */3 * *",
		JobCleanup:            "0 2 * * 0",
	}, specs)
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()

	t.Run("trial sweep", func(t *testing.T) {
		f := newFixture(t, nil)
		f.trials.expired = 2
		require.NoError(t, f.svc.RunNow(ctx, JobTrialSweep))
		assert.Equal(t, 1, f.trials.calls)
	})

	t.Run("trial sweep error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.trials.err = errors.New("db down")
		assert.EqualError(t, f.svc.RunNow(ctx, JobTrialSweep), "db down")
	})

	t.Run("daily stats", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.svc.RunNow(ctx, JobDailyStats))
		assert.Equal(t, f.clock.Now(), f.stats.snapshotAt)
	})

	t.Run("cleanup uses retention windows", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) {
			c.Retention.MessageDays = 30
			c.Retention.StatsDays = 0
		})
		require.NoError(t, f.svc.RunNow(ctx, JobCleanup))
		now := f.clock.Now()
		assert.Equal(t, now.AddDate(0, 0, -30), f.messages.cutoff)
		assert.Equal(t, now.AddDate(0, 0, -365), f.stats.cutoff)
	})

	t.Run("cleanup stops on message error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.messages.err = errors.New("boom")
		assert.ErrorContains(t, f.svc.RunNow(ctx, JobCleanup), "delete old messages")
		assert.True(t, f.stats.cutoff.IsZero())
	})

	t.Run("marketing disabled", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Marketing.Enabled = false })
		require.NoError(t, f.svc.RunNow(ctx, JobMarketing))
		assert.Zero(t, f.campaigns.runs)
	})

	t.Run("marketing enabled", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Marketing.Enabled = true })
		require.NoError(t, f.svc.RunNow(ctx, JobMarketing))
		assert.Equal(t, 1, f.campaigns.runs)
	})

	t.Run("trial notifications", func(t *testing.T) {
		f := newFixture(t, nil)
		now := f.clock.Now()
		f.trials.byStatus[accounts.StatusTrial] = []accounts.Account{
			{ID: "a", Status: accounts.StatusTrial, TrialEndAt: now.Add(5 * time.Hour)},
			{ID: "b", Status: accounts.StatusTrial, TrialEndAt: now.Add(72 * time.Hour)},
		}
		f.trials.byStatus[accounts.StatusPending] = []accounts.Account{
			{ID: "c", Status: accounts.StatusPending, TrialEndAt: now.Add(-time.Hour)},
		}
		require.NoError(t, f.svc.RunNow(ctx, JobTrialNotifications))
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newFixture(t, nil)
		assert.ErrorIs(t, f.svc.RunNow(ctx, "nope"), ErrUnknownJob)
	})
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, func(c *config.Config) { c.Schedule.Cleanup = "" })
	require.NoError(t, f.svc.Start(ctx))
	assert.Error(t, f.svc.Start(ctx), "second start")
	require.NoError(t, f.svc.Stop(ctx))
	require.NoError(t, f.svc.Stop(ctx), "stop is idempotent")

	bad := newFixture(t, func(c *config.Config) { c.Schedule.TrialSweep = "every hour" })
	err := bad.svc.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobTrialSweep)
}
