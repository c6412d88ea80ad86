package accounts

import (
	"fmt"
	"time"
)

// Status is the access state of an account. Exactly one holds at a time.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSuspended Status = "suspended"
	StatusMonthly   Status = "monthly"
	StatusYearly    Status = "yearly"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusTrial, StatusPending, StatusApproved, StatusSuspended, StatusMonthly, StatusYearly:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown account status %q", raw)
	}
	return s, nil
}

// SubscriptionType is the paid tier, if any.
type SubscriptionType string

const (
	SubscriptionNone    SubscriptionType = "none"
	SubscriptionMonthly SubscriptionType = "monthly"
	SubscriptionYearly  SubscriptionType = "yearly"
)

func (t SubscriptionType) IsValid() bool {
	switch t {
	case SubscriptionNone, SubscriptionMonthly, SubscriptionYearly:
		return true
	}
	return false
}

// Duration is the subscription window granted for the tier.
func (t SubscriptionType) Duration() time.Duration {
	switch t {
	case SubscriptionMonthly:
		return 30 * 24 * time.Hour
	case SubscriptionYearly:
		return 365 * 24 * time.Hour
	case SubscriptionNone:
		return 0
	}
	return 0
}

func (t SubscriptionType) status() Status {
	if t == SubscriptionYearly {
		return StatusYearly
	}
	return StatusMonthly
}

func (t SubscriptionType) action() ActionKind {
	if t == SubscriptionYearly {
		return ActionGrantYearly
	}
	return ActionGrantMonthly
}

// ActionKind names the transition recorded in an AdminAction.
type ActionKind string

const (
	ActionGrantAccess  ActionKind = "GRANT_ACCESS"
	ActionGrantMonthly ActionKind = "GRANT_MONTHLY"
	ActionGrantYearly  ActionKind = "GRANT_YEARLY"
	ActionRevokeAccess ActionKind = "REVOKE_ACCESS"
	ActionExtendTrial  ActionKind = "EXTEND_TRIAL"
	ActionSuspendUser  ActionKind = "SUSPEND_USER"
	ActionToggleActive ActionKind = "TOGGLE_ACTIVE"
)

func (k ActionKind) IsValid() bool {
	switch k {
	case ActionGrantAccess, ActionGrantMonthly, ActionGrantYearly, ActionRevokeAccess,
		ActionExtendTrial, ActionSuspendUser, ActionToggleActive:
		return true
	}
	return false
}

// Account is a registered user of the platform.
type Account struct {
	ID                    string           `json:"id"`
	Username              string           `json:"username"`
	Email                 string           `json:"email"`
	PasswordHash          string           `json:"-"`
	FullName              string           `json:"full_name,omitempty"`
	Phone                 string           `json:"phone,omitempty"`
	PreferredLanguage     string           `json:"preferred_language"`
	Status                Status           `json:"status"`
	TrialStartAt          time.Time        `json:"trial_start_at"`
	TrialEndAt            time.Time        `json:"trial_end_at"`
	TrialActive           bool             `json:"trial_active"`
	AdminApproved         bool             `json:"admin_approved"`
	AccessGrantedAt       *time.Time       `json:"access_granted_at,omitempty"`
	SubscriptionType      SubscriptionType `json:"subscription_type"`
	SubscriptionStartAt   *time.Time       `json:"subscription_start_at,omitempty"`
	SubscriptionEndAt     *time.Time       `json:"subscription_end_at,omitempty"`
	SubscriptionGrantedBy string           `json:"subscription_granted_by,omitempty"`
	IsAdmin               bool             `json:"is_admin"`
	Active                bool             `json:"active"`
	MarketingOptOut       bool             `json:"marketing_opt_out"`
	MarketingLastSentAt   *time.Time       `json:"marketing_last_sent_at,omitempty"`
	TelegramChatID        string           `json:"telegram_chat_id,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	LastLoginAt           *time.Time       `json:"last_login_at,omitempty"`
}

// Deactivate soft-deletes the account.
func (a *Account) Deactivate() { a.Active = false }

// Activate restores a deactivated account.
func (a *Account) Activate() { a.Active = true }

// evaluate reports whether the account has access at now, and whether an
// expired trial must move to pending.
func (a Account) evaluate(now time.Time) (granted bool, expireTrial bool) {
	if a.IsAdmin {
		return true, false
	}
	if !a.Active {
		return false, false
	}
	switch a.Status {
	case StatusTrial:
		if now.Before(a.TrialEndAt) {
			return true, false
		}
		return false, true
	case StatusApproved:
		return true, false
	case StatusMonthly, StatusYearly:
		return a.SubscriptionEndAt != nil && now.Before(*a.SubscriptionEndAt), false
	case StatusPending, StatusSuspended:
		return false, false
	}
	return false, false
}

// HasAccess is the side-effect free form of Service.CheckAccess.
func (a Account) HasAccess(now time.Time) bool {
	granted, _ := a.evaluate(now)
	return granted
}

// TrialDaysLeft is the number of whole days left in an active trial.
func (a Account) TrialDaysLeft(now time.Time) int {
	if a.Status != StatusTrial || !a.TrialActive || a.AdminApproved {
		return 0
	}
	left := a.TrialEndAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / (24 * time.Hour))
}

// AdminAction is the audit record of one access transition.
type AdminAction struct {
	ID        string     `json:"id"`
	AdminID   string     `json:"admin_id"`
	AccountID string     `json:"account_id"`
	Action    ActionKind `json:"action"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
}

// RegisterRequest is the self-service signup input.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	FullName string `json:"full_name" validate:"max=100"`
	Phone    string `json:"phone" validate:"max=20"`
	Language string `json:"language" validate:"omitempty,oneof=uz ru en"`
}

// UpdateProfileRequest changes the self-service profile fields. Nil fields
// are left as they are.
type UpdateProfileRequest struct {
	FullName          *string `json:"full_name" validate:"omitempty,max=100"`
	Phone             *string `json:"phone" validate:"omitempty,max=20"`
	PreferredLanguage *string `json:"preferred_language" validate:"omitempty,oneof=uz ru en"`
	// TelegramChatID is where marketing messages are delivered. An empty
	// string unsubscribes the account from Telegram delivery.
	TelegramChatID  *string `json:"telegram_chat_id" validate:"omitempty,numeric,max=32"`
	CurrentPassword string  `json:"current_password"`
	NewPassword     string  `json:"new_password" validate:"omitempty,min=8,max=128"`
}

// ListFilter narrows account listings for the admin surface.
type ListFilter struct {
	Status *Status
	Search string
	Limit  uint64
	Offset uint64
}

// Statistics summarizes the account population.
type Statistics struct {
	Total        int64 `json:"total"`
	Trial        int64 `json:"trial"`
	Pending      int64 `json:"pending"`
	Approved     int64 `json:"approved"`
	Suspended    int64 `json:"suspended"`
	Monthly      int64 `json:"monthly"`
	Yearly       int64 `json:"yearly"`
	Admins       int64 `json:"admins"`
	NewToday     int64 `json:"new_today"`
	ExpiringSoon int64 `json:"expiring_soon"`
}
