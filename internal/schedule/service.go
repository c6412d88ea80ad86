// Package schedule runs the periodic maintenance jobs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/config"
	"github.com/memohai/chatrelay/internal/marketing"
	"github.com/memohai/chatrelay/internal/stats"
)

const (
	JobTrialSweep         = "trial_sweep"
	JobDailyStats         = "daily_stats"
	JobTrialNotifications = "trial_notifications"
	JobMarketing          = "marketing"
	JobCleanup            = "cleanup"
)

var ErrUnknownJob = errors.New("unknown job")

// jobTimeout bounds a single job run.
const jobTimeout = 30 * time.Minute

type TrialSource interface {
	ExpireTrials(ctx context.Context) (int64, error)
	ListByStatus(ctx context.Context, status accounts.Status) ([]accounts.Account, error)
}

type StatsStore interface {
	Snapshot(ctx context.Context, now time.Time) (stats.DailyStats, bool, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type MessagePruner interface {
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Campaigner interface {
	RunTrialCampaigns(ctx context.Context) (marketing.Report, error)
}

// Deps are the stores the jobs act on. Marketing may be nil.
type Deps struct {
	Trials    TrialSource
	Stats     StatsStore
	Messages  MessagePruner
	Marketing Campaigner
}

// Job is one named periodic task.
type Job struct {
	Name string
	Spec string
	run  func(ctx context.Context) error
}

// Service owns the cron runner and the job table.
type Service struct {
	deps      Deps
	cfg       config.Config
	clock     clock.Clock
	logger    *slog.Logger
	jobs      []Job
	mu        sync.Mutex
	cron      *cron.Cron
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func NewService(log *slog.Logger, deps Deps, cfg config.Config, clk clock.Clock) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	s := &Service{deps: deps, cfg: cfg, clock: clk, logger: log.With(slog.String("service", "schedule"))}
	s.jobs = []Job{
		{Name: JobTrialSweep, Spec: cfg.Schedule.TrialSweep, run: s.sweepTrials},
		{Name: JobDailyStats, Spec: cfg.Schedule.DailyStats, run: s.snapshotStats},
		{Name: JobTrialNotifications, Spec: cfg.Schedule.TrialNotifications, run: s.notifyTrials},
		{Name: JobMarketing, Spec: cfg.Schedule.Marketing, run: s.runMarketing},
		{Name: JobCleanup, Spec: cfg.Schedule.Cleanup, run: s.cleanup},
	}
	return s
}

// Jobs lists the registered jobs.
func (s *Service) Jobs() []Job {
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Start registers every job with a non-empty spec and starts the runner.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, job := range s.jobs {
		if job.Spec == "" {
			s.logger.Info("job disabled", slog.String("job", job.Name))
			continue
		}
		name := job.Name
		if _, err := c.AddFunc(job.Spec, func() { _ = s.runLogged(runCtx, name) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
		}
	}
	c.Start()
	s.cron, s.runCtx, s.cancelRun = c, runCtx, cancel
	s.logger.Info("scheduler started", slog.Int("jobs", len(c.Entries())))
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done, then
// cancels them.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancelRun
	s.cron, s.cancelRun = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	defer cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	return s.runLogged(ctx, name)
}

func (s *Service) runLogged(ctx context.Context, name string) error {
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job = &s.jobs[i]
		}
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	log := s.logger.With(slog.String("job", name))
	if err := job.run(ctx); err != nil {
		log.Error("job failed", slog.Any("error", err), slog.Duration("took", time.Since(start)))
		return err
	}
	log.Debug("job finished", slog.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) sweepTrials(ctx context.Context) error {
	n, err := s.deps.Trials.ExpireTrials(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("trials expired", slog.Int64("count", n))
	}
	return nil
}

func (s *Service) snapshotStats(ctx context.Context) error {
	snap, created, err := s.deps.Stats.Snapshot(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("daily stats recorded",
			slog.String("day", snap.Day.Format(time.DateOnly)),
			slog.Int64("accounts", snap.TotalAccounts),
			slog.Int64("messages", snap.TotalMessages))
	}
	return nil
}

// notifyTrials logs trials ending within a day and trials that ended today.
func (s *Service) notifyTrials(ctx context.Context) error {
	now := s.clock.Now()
	dayStart := clock.StartOfDay(now)
	var (
		ending, endedToday int
		errs               []error
	)
	for _, status := range []accounts.Status{accounts.StatusTrial, accounts.StatusPending} {
		list, err := s.deps.Trials.ListByStatus(ctx, status)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, a := range list {
			if a.IsAdmin || a.AdminApproved {
				continue
			}
			switch {
			case a.TrialEndAt.After(now) && !a.TrialEndAt.After(now.Add(24*time.Hour)):
				ending++
				s.logger.Info("trial ending within a day", slog.String("account_id", a.ID), slog.String("username", a.Username))
			case !a.TrialEndAt.Before(dayStart) && !a.TrialEndAt.After(now):
				endedToday++
				s.logger.Info("trial ended today", slog.String("account_id", a.ID), slog.String("username", a.Username))
			}
		}
	}
	s.logger.Info("trial notifications", slog.Int("ending", ending), slog.Int("ended_today", endedToday))
	return errors.Join(errs...)
}

func (s *Service) runMarketing(ctx context.Context) error {
	if !s.cfg.Marketing.Enabled || s.deps.Marketing == nil {
		s.logger.Debug("marketing disabled")
		return nil
	}
	_, err := s.deps.Marketing.RunTrialCampaigns(ctx)
	return err
}

func (s *Service) cleanup(ctx context.Context) error {
	now := s.clock.Now()
	msgDays, statDays := s.cfg.Retention.MessageDays, s.cfg.Retention.StatsDays
	if msgDays <= 0 {
		msgDays = 90
	}
	if statDays <= 0 {
		statDays = 365
	}
	messages, err := s.deps.Messages.DeleteMessagesBefore(ctx, now.AddDate(0, 0, -msgDays))
	if err != nil {
		return fmt.Errorf("delete old messages: %w", err)
	}
	snapshots, err := s.deps.Stats.DeleteBefore(ctx, now.AddDate(0, 0, -statDays))
	if err != nil {
		return fmt.Errorf("delete old stats: %w", err)
	}
	if messages > 0 || snapshots > 0 {
		s.logger.Info("old data removed", slog.Int64("messages", messages), slog.Int64("stats", snapshots))
	}
	return nil
}
