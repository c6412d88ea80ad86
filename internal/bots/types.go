package bots

import (
	"context"
	"time"

	"github.com/memohai/chatrelay/internal/channel"
)

// Bot represents a configured assistant owned by one account.
type Bot struct {
	ID               string                               `json:"id"`
	OwnerID          string                               `json:"owner_id"`
	Name             string                               `json:"name"`
	Description      string                               `json:"description,omitempty"`
	SystemPrompt     string                               `json:"system_prompt,omitempty"`
	Languages        []string                             `json:"languages"`
	IsActive         bool                                 `json:"is_active"`
	MaxDailyMessages int                                  `json:"max_daily_messages"`
	Platforms        map[channel.Platform]PlatformBinding `json:"platforms,omitempty"`
	CreatedAt        time.Time                            `json:"created_at"`
	UpdatedAt        time.Time                            `json:"updated_at"`
}

// PlatformBinding holds the credentials of one deployed platform.
type PlatformBinding struct {
	Platform   channel.Platform `json:"platform"`
	Token      string           `json:"-"`
	WebhookURL string           `json:"webhook_url,omitempty"`
	ExternalID string           `json:"external_id,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Credentials returns the gateway credentials for platform, if deployed.
func (b Bot) Credentials(p channel.Platform) (channel.Credentials, bool) {
	binding, ok := b.Platforms[p]
	if !ok || binding.Token == "" {
		return channel.Credentials{}, false
	}
	return channel.Credentials{Token: binding.Token, ExternalID: binding.ExternalID}, true
}

// CreateBotRequest is the input for creating a bot.
type CreateBotRequest struct {
	Name             string   `json:"name" validate:"required,max=100"`
	Description      string   `json:"description" validate:"max=1000"`
	SystemPrompt     string   `json:"system_prompt" validate:"max=8000"`
	Languages        []string `json:"languages" validate:"omitempty,dive,oneof=uz ru en"`
	MaxDailyMessages *int     `json:"max_daily_messages" validate:"omitempty,gte=0"`
}

// UpdateBotRequest edits a bot. Nil fields are left unchanged.
type UpdateBotRequest struct {
	Name             *string   `json:"name" validate:"omitempty,min=1,max=100"`
	Description      *string   `json:"description" validate:"omitempty,max=1000"`
	SystemPrompt     *string   `json:"system_prompt" validate:"omitempty,max=8000"`
	Languages        *[]string `json:"languages" validate:"omitempty,min=1,dive,oneof=uz ru en"`
	MaxDailyMessages *int      `json:"max_daily_messages" validate:"omitempty,gte=0"`
}

// DeployRequest registers a platform token with a bot.
type DeployRequest struct {
	Token string `json:"token" validate:"required"`
	// ExternalID is the Instagram page id or WhatsApp phone number id.
	ExternalID string `json:"external_id"`
}

// DeployResult describes a completed deployment.
type DeployResult struct {
	Platform   channel.Platform `json:"platform"`
	WebhookURL string           `json:"webhook_url"`
	// VerifyToken is what the Meta app dashboard must be configured with.
	VerifyToken string         `json:"verify_token,omitempty"`
	Self        map[string]any `json:"self,omitempty"`
}

// Store persists bots and their platform bindings.
type Store interface {
	Create(ctx context.Context, bot Bot) (Bot, error)
	Get(ctx context.Context, id string) (Bot, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Bot, error)
	Update(ctx context.Context, bot Bot) error
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	UpsertPlatform(ctx context.Context, botID string, binding PlatformBinding) error
	DeletePlatform(ctx context.Context, botID string, platform channel.Platform) error
	Count(ctx context.Context) (int64, error)
}
