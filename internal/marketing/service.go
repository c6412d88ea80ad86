// Package marketing sends trial campaigns and admin broadcasts through a
// platform-level Telegram bot.
package marketing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/config"
)

// maxRetryAfter caps how long a platform back-off request is honored.
const maxRetryAfter = time.Minute

type Service struct {
	store           Store
	gateway         channel.Gateway
	clock           clock.Clock
	delay           time.Duration
	expiredCooldown time.Duration
	endingCooldown  time.Duration
	contact         string
	logger          *slog.Logger

	// sleep waits between sends; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a marketing service. gateway may be nil when no
// marketing bot is configured; sends then report every recipient as failed.
func NewService(log *slog.Logger, store Store, gateway channel.Gateway, clk clock.Clock, cfg config.MarketingConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	days := func(n, fallback int) time.Duration {
		if n <= 0 {
			n = fallback
		}
		return time.Duration(n) * 24 * time.Hour
	}
	return &Service{
		store:           store,
		gateway:         gateway,
		clock:           clk,
		delay:           time.Duration(cfg.SendDelayMillis) * time.Millisecond,
		expiredCooldown: days(cfg.ExpiredCooldownDays, 3),
		endingCooldown:  days(cfg.EndingCooldownDays, 1),
		contact:         cfg.ContactText,
		logger:          log.With(slog.String("service", "marketing")),
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunTrialCampaigns messages expired trials and trials with one day left.
func (s *Service) RunTrialCampaigns(ctx context.Context) (Report, error) {
	now := s.clock.Now()
	var total Report

	expired, err := s.store.TrialExpired(ctx, now, s.expiredCooldown)
	if err != nil {
		return total, err
	}
	rep, err := s.send(ctx, expired, func(r Recipient) string {
		return TrialExpiredMessage(r.Name, s.contact)
	})
	total.merge(rep)
	if err != nil {
		return total, err
	}

	ending, err := s.store.TrialEnding(ctx, now, s.endingCooldown)
	if err != nil {
		return total, err
	}
	rep, err = s.send(ctx, ending, func(r Recipient) string {
		days := int(r.TrialEndAt.Sub(now) / (24 * time.Hour))
		return TrialEndingMessage(r.Name, days, s.contact)
	})
	total.merge(rep)

	s.logger.Info("trial campaigns finished",
		slog.Int("expired", len(expired)), slog.Int("ending", len(ending)),
		slog.Int("sent", total.Sent), slog.Int("failed", total.Failed))
	return total, err
}

// Broadcast sends text to every reachable account in segment.
func (s *Service) Broadcast(ctx context.Context, segment Segment, text string) (Report, error) {
	recipients, err := s.store.Segment(ctx, segment, s.clock.Now())
	if err != nil {
		return Report{}, err
	}
	rep, err := s.send(ctx, recipients, func(Recipient) string { return text })
	s.logger.Info("broadcast finished", slog.String("segment", string(segment)),
		slog.Int("sent", rep.Sent), slog.Int("failed", rep.Failed))
	return rep, err
}

// send delivers one message per recipient, pausing between sends. Only
// successful recipients get their marketing timestamp updated.
func (s *Service) send(ctx context.Context, recipients []Recipient, render func(Recipient) string) (Report, error) {
	rep := Report{Total: len(recipients)}
	if len(recipients) == 0 {
		return rep, nil
	}
	var delivered []string
	for i, r := range recipients {
		if i > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				rep.Failed += len(recipients) - i
				return rep, s.markSent(ctx, delivered, err)
			}
		}
		resp := s.deliver(ctx, r.ChatID, render(r))
		if resp.Success {
			rep.Sent++
			delivered = append(delivered, r.AccountID)
			continue
		}
		rep.Failed++
		rep.Failures = append(rep.Failures, Failure{ChatID: r.ChatID, Kind: string(resp.ErrorKind), Detail: resp.ErrorDetail})
		s.logger.Warn("marketing delivery failed", slog.String("account_id", r.AccountID), slog.Any("error", resp.Err()))
	}
	return rep, s.markSent(ctx, delivered, nil)
}

// deliver sends once more after the platform's retry_after when asked to back off.
func (s *Service) deliver(ctx context.Context, chatID, text string) channel.ServiceResponse {
	if s.gateway == nil {
		return channel.Fail(channel.ErrorConnectionFailure, 0, "marketing bot not configured")
	}
	resp := s.gateway.SendMessage(ctx, chatID, text, nil)
	if resp.Success || resp.RetryAfterSeconds <= 0 {
		return resp
	}
	wait := min(time.Duration(resp.RetryAfterSeconds)*time.Second, maxRetryAfter)
	if err := s.sleep(ctx, wait); err != nil {
		return resp
	}
	return s.gateway.SendMessage(ctx, chatID, text, nil)
}

func (s *Service) markSent(ctx context.Context, ids []string, cause error) error {
	if err := s.store.MarkSent(context.WithoutCancel(ctx), ids, s.clock.Now()); err != nil {
		if cause != nil {
			return fmt.Errorf("%w (mark sent: %v)", cause, err)
		}
		return err
	}
	return cause
}
