package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/db"
)

var (
	ErrUnauthorized       = errors.New("admin privileges required")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidTier        = errors.New("subscription tier must be monthly or yearly")
)

const (
	DefaultTrialDays       = 3
	DefaultExtendTrialDays = 7
	RecentActionsLimit     = 50
)

// Store persists accounts and their audit trail.
type Store interface {
	Create(ctx context.Context, a Account) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	GetForUpdate(ctx context.Context, id string) (Account, error)
	GetByUsername(ctx context.Context, username string) (Account, error)
	Update(ctx context.Context, a Account) error
	ExpireTrial(ctx context.Context, id string, now time.Time) (bool, error)
	ExpireTrials(ctx context.Context, now time.Time) (int64, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
	InsertAction(ctx context.Context, action AdminAction) error
	List(ctx context.Context, filter ListFilter) ([]Account, error)
	RecentActions(ctx context.Context, limit int) ([]AdminAction, error)
	Statistics(ctx context.Context, now time.Time) (Statistics, error)
	Count(ctx context.Context) (int64, error)
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service is the access control engine: it owns every account status
// transition and records each admin-directed one as an AdminAction in the
// same transaction.
type Service struct {
	store     Store
	tx        TxRunner
	clock     clock.Clock
	trialDays int
	logger    *slog.Logger
}

func NewService(log *slog.Logger, store Store, tx TxRunner, clk clock.Clock, trialDays int) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if trialDays <= 0 {
		trialDays = DefaultTrialDays
	}
	return &Service{
		store:     store,
		tx:        tx,
		clock:     clk,
		trialDays: trialDays,
		logger:    log.With(slog.String("service", "accounts")),
	}
}

// Register creates a trial account with a fresh trial window.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Account, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if username == "" || email == "" || req.Password == "" {
		return Account{}, fmt.Errorf("username, email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "uz"
	}
	now := s.clock.Now()
	acct := Account{
		ID:                uuid.NewString(),
		Username:          username,
		Email:             email,
		PasswordHash:      string(hash),
		FullName:          strings.TrimSpace(req.FullName),
		Phone:             strings.TrimSpace(req.Phone),
		PreferredLanguage: lang,
		Status:            StatusTrial,
		TrialStartAt:      now,
		TrialEndAt:        now.Add(time.Duration(s.trialDays) * 24 * time.Hour),
		TrialActive:       true,
		SubscriptionType:  SubscriptionNone,
		Active:            true,
		CreatedAt:         now,
	}
	created, err := s.store.Create(ctx, acct)
	if err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			return Account{}, ErrAccountExists
		}
		return Account{}, err
	}
	s.logger.Info("account registered", slog.String("account_id", created.ID), slog.Time("trial_end_at", created.TrialEndAt))
	return created, nil
}

// EnsureAdmin creates the bootstrap admin when no account exists yet.
func (s *Service) EnsureAdmin(ctx context.Context, username, email, password string) (bool, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return false, fmt.Errorf("admin username/password required in config")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	now := s.clock.Now()
	_, err = s.store.Create(ctx, Account{
		ID:                uuid.NewString(),
		Username:          username,
		Email:             strings.ToLower(strings.TrimSpace(email)),
		PasswordHash:      string(hash),
		PreferredLanguage: "uz",
		Status:            StatusApproved,
		TrialStartAt:      now,
		TrialEndAt:        now,
		AdminApproved:     true,
		AccessGrantedAt:   &now,
		SubscriptionType:  SubscriptionNone,
		IsAdmin:           true,
		Active:            true,
		MarketingOptOut:   true,
		CreatedAt:         now,
	})
	if err != nil {
		return false, fmt.Errorf("create admin: %w", err)
	}
	s.logger.Info("admin account created", slog.String("username", username))
	return true, nil
}

// Authenticate checks credentials and stamps the login time.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	acct, err := s.store.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	if !acct.Active {
		return Account{}, ErrAccountInactive
	}
	now := s.clock.Now()
	if err := s.store.TouchLogin(ctx, acct.ID, now); err != nil {
		s.logger.Warn("touch login failed", slog.String("account_id", acct.ID), slog.Any("error", err))
	} else {
		acct.LastLoginAt = &now
	}
	return acct, nil
}

// Get loads one account.
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	acct, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acct, nil
}

// UpdateProfile applies the owner's profile changes. Changing the password
// requires the current one.
func (s *Service) UpdateProfile(ctx context.Context, accountID string, req UpdateProfileRequest) (Account, error) {
	var out Account
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		acct, err := s.store.GetForUpdate(ctx, accountID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if req.FullName != nil {
			acct.FullName = strings.TrimSpace(*req.FullName)
		}
		if req.Phone != nil {
			acct.Phone = strings.TrimSpace(*req.Phone)
		}
		if req.PreferredLanguage != nil {
			if lang := strings.TrimSpace(*req.PreferredLanguage); lang != "" {
				acct.PreferredLanguage = lang
			}
		}
		if req.TelegramChatID != nil {
			acct.TelegramChatID = strings.TrimSpace(*req.TelegramChatID)
		}
		if req.NewPassword != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.CurrentPassword)); err != nil {
				return ErrInvalidCredentials
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			acct.PasswordHash = string(hash)
		}
		if err := s.store.Update(ctx, acct); err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		out = acct
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("profile updated", slog.String("account_id", accountID), slog.Bool("password_changed", req.NewPassword != ""))
	return out, nil
}

// CheckAccess reports whether the account currently has access. An expired
// trial is moved to pending as a side effect; repeated calls are no-ops.
func (s *Service) CheckAccess(ctx context.Context, accountID string) (bool, error) {
	acct, err := s.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	return s.checkLoaded(ctx, &acct)
}

// CheckAccount is CheckAccess for an already loaded account; acct is updated
// in place when its trial expires.
func (s *Service) CheckAccount(ctx context.Context, acct *Account) (bool, error) {
	return s.checkLoaded(ctx, acct)
}

func (s *Service) checkLoaded(ctx context.Context, acct *Account) (bool, error) {
	now := s.clock.Now()
	granted, expire := acct.evaluate(now)
	if !expire {
		return granted, nil
	}
	changed, err := s.store.ExpireTrial(ctx, acct.ID, now)
	if err != nil {
		return false, fmt.Errorf("expire trial: %w", err)
	}
	if changed {
		s.logger.Info("trial expired", slog.String("account_id", acct.ID))
	}
	acct.Status = StatusPending
	acct.TrialActive = false
	return false, nil
}

// ExpireTrials moves every non-admin trial past its end to pending.
func (s *Service) ExpireTrials(ctx context.Context) (int64, error) {
	return s.store.ExpireTrials(ctx, s.clock.Now())
}

// GrantAccess approves the target indefinitely.
func (s *Service) GrantAccess(ctx context.Context, adminID, targetID, reason string) (Account, error) {
	return s.transition(ctx, adminID, targetID, ActionGrantAccess, reason, func(a *Account, admin Account, now time.Time) {
		a.Status = StatusApproved
		a.AdminApproved = true
		a.AccessGrantedAt = &now
		a.TrialActive = false
		a.MarketingOptOut = true
	})
}

// GrantSubscription opens a monthly or yearly window starting now.
func (s *Service) GrantSubscription(ctx context.Context, adminID, targetID string, tier SubscriptionType, reason string) (Account, error) {
	if tier != SubscriptionMonthly && tier != SubscriptionYearly {
		return Account{}, ErrInvalidTier
	}
	return s.transition(ctx, adminID, targetID, tier.action(), reason, func(a *Account, admin Account, now time.Time) {
		end := now.Add(tier.Duration())
		a.Status = tier.status()
		a.SubscriptionType = tier
		a.SubscriptionStartAt = &now
		a.SubscriptionEndAt = &end
		a.SubscriptionGrantedBy = admin.ID
		a.AdminApproved = true
		a.AccessGrantedAt = &now
		a.TrialActive = false
		a.MarketingOptOut = true
	})
}

// RevokeAccess suspends the target and clears the approval.
func (s *Service) RevokeAccess(ctx context.Context, adminID, targetID, reason string) (Account, error) {
	return s.transition(ctx, adminID, targetID, ActionRevokeAccess, reason, func(a *Account, _ Account, _ time.Time) {
		a.Status = StatusSuspended
		a.AdminApproved = false
		a.AccessGrantedAt = nil
	})
}

// ExtendTrial reopens the trial. Days are added to a trial end still in the
// future, otherwise counted from now. Non-positive days mean seven.
func (s *Service) ExtendTrial(ctx context.Context, adminID, targetID string, days int, reason string) (Account, error) {
	if days <= 0 {
		days = DefaultExtendTrialDays
	}
	note := fmt.Sprintf("Trial extended by %d days.", days)
	if r := strings.TrimSpace(reason); r != "" {
		note += " " + r
	}
	extra := time.Duration(days) * 24 * time.Hour
	return s.transition(ctx, adminID, targetID, ActionExtendTrial, note, func(a *Account, _ Account, now time.Time) {
		if a.TrialEndAt.After(now) {
			a.TrialEndAt = a.TrialEndAt.Add(extra)
		} else {
			a.TrialEndAt = now.Add(extra)
		}
		a.Status = StatusTrial
		a.TrialActive = true
	})
}

// SuspendUser blocks the target without touching its grant history.
func (s *Service) SuspendUser(ctx context.Context, adminID, targetID, reason string) (Account, error) {
	return s.transition(ctx, adminID, targetID, ActionSuspendUser, reason, func(a *Account, _ Account, _ time.Time) {
		a.Status = StatusSuspended
		a.TrialActive = false
		a.AdminApproved = false
	})
}

// SetActive soft-deactivates or restores the target.
func (s *Service) SetActive(ctx context.Context, adminID, targetID string, active bool, reason string) (Account, error) {
	return s.transition(ctx, adminID, targetID, ActionToggleActive, reason, func(a *Account, _ Account, _ time.Time) {
		if active {
			a.Activate()
		} else {
			a.Deactivate()
		}
	})
}

type mutation func(target *Account, admin Account, now time.Time)

func (s *Service) transition(ctx context.Context, adminID, targetID string, kind ActionKind, reason string, mutate mutation) (Account, error) {
	var out Account
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		admin, err := s.store.Get(ctx, adminID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrUnauthorized
			}
			return err
		}
		if !admin.IsAdmin || !admin.Active {
			return ErrUnauthorized
		}
		target, err := s.store.GetForUpdate(ctx, targetID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		now := s.clock.Now()
		mutate(&target, admin, now)
		if err := s.store.Update(ctx, target); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if err := s.store.InsertAction(ctx, AdminAction{
			ID:        uuid.NewString(),
			AdminID:   admin.ID,
			AccountID: target.ID,
			Action:    kind,
			Reason:    strings.TrimSpace(reason),
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("record admin action: %w", err)
		}
		out = target
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.logger.Warn("privileged access operation rejected", slog.String("actor_id", adminID), slog.String("action", string(kind)))
		}
		return Account{}, err
	}
	s.logger.Info("access transition",
		slog.String("admin_id", adminID),
		slog.String("account_id", out.ID),
		slog.String("action", string(kind)),
		slog.String("status", string(out.Status)),
	)
	return out, nil
}

// List returns accounts matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Account, error) {
	return s.store.List(ctx, filter)
}

// ListByStatus is List narrowed to one status.
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]Account, error) {
	return s.store.List(ctx, ListFilter{Status: &status})
}

// RecentActions returns the newest audit records, at most limit (default 50).
func (s *Service) RecentActions(ctx context.Context, limit int) ([]AdminAction, error) {
	if limit <= 0 {
		limit = RecentActionsLimit
	}
	return s.store.RecentActions(ctx, limit)
}

// Statistics summarizes the account population at the current time.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	return s.store.Statistics(ctx, s.clock.Now())
}
