package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/db"
)

var (
	ErrBotNotFound           = errors.New("bot not found")
	ErrBotAccessDenied       = errors.New("bot access denied")
	ErrPlatformNotConfigured = errors.New("platform not configured for bot")
	ErrDeployRejected        = errors.New("platform rejected deployment")
)

const DefaultMaxDailyMessages = 100

var defaultLanguages = []string{"uz", "ru", "en"}

// Service provides bot management and platform deployment.
type Service struct {
	store         Store
	registry      *channel.Registry
	clock         clock.Clock
	publicBaseURL string
	logger        *slog.Logger
}

// NewService creates a bot service. publicBaseURL is where platforms reach
// the webhook routes.
func NewService(log *slog.Logger, store Store, registry *channel.Registry, clk clock.Clock, publicBaseURL string) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		store:         store,
		registry:      registry,
		clock:         clk,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        log.With(slog.String("service", "bots")),
	}
}

// Create stores a new bot owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateBotRequest) (Bot, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Bot{}, fmt.Errorf("bot name: %w", db.ErrValidation)
	}
	languages := req.Languages
	if len(languages) == 0 {
		languages = defaultLanguages
	}
	limit := DefaultMaxDailyMessages
	if req.MaxDailyMessages != nil {
		limit = *req.MaxDailyMessages
	}
	bot, err := s.store.Create(ctx, Bot{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Name:             name,
		Description:      strings.TrimSpace(req.Description),
		SystemPrompt:     strings.TrimSpace(req.SystemPrompt),
		Languages:        languages,
		IsActive:         true,
		MaxDailyMessages: limit,
		CreatedAt:        s.clock.Now(),
	})
	if err != nil {
		return Bot{}, err
	}
	s.logger.Info("bot created", slog.String("bot_id", bot.ID), slog.String("owner_id", ownerID))
	return bot, nil
}

// Get returns a bot with its platform bindings.
func (s *Service) Get(ctx context.Context, id string) (Bot, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Bot, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// AuthorizeAccess loads botID when accountID owns it or isAdmin is set.
func (s *Service) AuthorizeAccess(ctx context.Context, accountID, botID string, isAdmin bool) (Bot, error) {
	bot, err := s.store.Get(ctx, botID)
	if err != nil {
		return Bot{}, err
	}
	if !isAdmin && bot.OwnerID != accountID {
		return Bot{}, ErrBotAccessDenied
	}
	return bot, nil
}

// Update applies the non-nil fields of req.
func (s *Service) Update(ctx context.Context, botID string, req UpdateBotRequest) (Bot, error) {
	bot, err := s.store.Get(ctx, botID)
	if err != nil {
		return Bot{}, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return Bot{}, fmt.Errorf("bot name: %w", db.ErrValidation)
		}
		bot.Name = name
	}
	if req.Description != nil {
		bot.Description = strings.TrimSpace(*req.Description)
	}
	if req.SystemPrompt != nil {
		bot.SystemPrompt = strings.TrimSpace(*req.SystemPrompt)
	}
	if req.Languages != nil && len(*req.Languages) > 0 {
		bot.Languages = *req.Languages
	}
	if req.MaxDailyMessages != nil {
		bot.MaxDailyMessages = *req.MaxDailyMessages
	}
	bot.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, bot); err != nil {
		return Bot{}, err
	}
	s.logger.Info("bot updated", slog.String("bot_id", botID))
	return bot, nil
}

// Delete removes every platform webhook (best-effort) and then the bot.
func (s *Service) Delete(ctx context.Context, botID string) error {
	bot, err := s.store.Get(ctx, botID)
	if err != nil {
		return err
	}
	log := s.logger.With(slog.String("bot_id", botID))
	for p := range bot.Platforms {
		if creds, ok := bot.Credentials(p); ok {
			s.dropWebhook(ctx, log.With(slog.String("platform", string(p))), p, creds)
		}
	}
	if err := s.store.Delete(ctx, botID); err != nil {
		return err
	}
	log.Info("bot deleted", slog.Int("platforms", len(bot.Platforms)))
	return nil
}

func (s *Service) SetActive(ctx context.Context, botID string, active bool) error {
	if err := s.store.SetActive(ctx, botID, active); err != nil {
		return err
	}
	s.logger.Info("bot active flag changed", slog.String("bot_id", botID), slog.Bool("active", active))
	return nil
}

// Count returns the number of bots.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// WebhookURL is the inbound endpoint for botID on platform.
func (s *Service) WebhookURL(p channel.Platform, botID string) string {
	return s.publicBaseURL + "/webhook/" + url.PathEscape(string(p)) + "/" + url.PathEscape(botID)
}

// Deploy validates the token with the platform, registers the webhook where
// the platform supports it, and only then persists the binding.
func (s *Service) Deploy(ctx context.Context, botID string, p channel.Platform, req DeployRequest) (DeployResult, error) {
	adapter, ok := s.registry.Get(p)
	if !ok {
		return DeployResult{}, fmt.Errorf("platform %s: %w", p, db.ErrValidation)
	}
	token := strings.TrimSpace(req.Token)
	externalID := strings.TrimSpace(req.ExternalID)
	if token == "" {
		return DeployResult{}, fmt.Errorf("platform token: %w", db.ErrValidation)
	}
	if adapter.Descriptor().RequiresExternalID && externalID == "" {
		return DeployResult{}, fmt.Errorf("%s requires an external id: %w", p, db.ErrValidation)
	}
	if _, err := s.store.Get(ctx, botID); err != nil {
		return DeployResult{}, err
	}

	log := s.logger.With(slog.String("bot_id", botID), slog.String("platform", string(p)))
	gw := adapter.NewGateway(channel.Credentials{Token: token, ExternalID: externalID})

	self := gw.GetSelfInfo(ctx)
	if !self.Success {
		log.Warn("token validation failed", slog.Any("error", self.Err()))
		return DeployResult{}, fmt.Errorf("%w: %v", ErrDeployRejected, self.Err())
	}

	result := DeployResult{Platform: p, WebhookURL: s.WebhookURL(p, botID), Self: self.Data}
	setter, registers := gw.(channel.WebhookSetter)
	if registers {
		if resp := setter.SetWebhook(ctx, result.WebhookURL, channel.SecretToken(token)); !resp.Success {
			log.Warn("webhook registration failed", slog.Any("error", resp.Err()))
			return DeployResult{}, fmt.Errorf("%w: %v", ErrDeployRejected, resp.Err())
		}
	} else {
		result.VerifyToken = channel.SecretToken(token)
	}

	err := s.store.UpsertPlatform(ctx, botID, PlatformBinding{
		Platform:   p,
		Token:      token,
		WebhookURL: result.WebhookURL,
		ExternalID: externalID,
		UpdatedAt:  s.clock.Now(),
	})
	if err != nil {
		if registers {
			if resp := setter.DeleteWebhook(ctx); !resp.Success {
				log.Warn("webhook rollback failed", slog.Any("error", resp.Err()))
			}
		}
		return DeployResult{}, fmt.Errorf("persist platform binding: %w", err)
	}
	log.Info("bot deployed", slog.String("webhook_url", result.WebhookURL))
	return result, nil
}

// Disconnect clears the platform webhook (best-effort) and removes the binding.
func (s *Service) Disconnect(ctx context.Context, botID string, p channel.Platform) error {
	bot, err := s.store.Get(ctx, botID)
	if err != nil {
		return err
	}
	creds, ok := bot.Credentials(p)
	if !ok {
		return fmt.Errorf("bot %s %s: %w", botID, p, ErrPlatformNotConfigured)
	}
	log := s.logger.With(slog.String("bot_id", botID), slog.String("platform", string(p)))
	s.dropWebhook(ctx, log, p, creds)
	if err := s.store.DeletePlatform(ctx, botID, p); err != nil {
		return err
	}
	log.Info("bot disconnected")
	return nil
}

func (s *Service) dropWebhook(ctx context.Context, log *slog.Logger, p channel.Platform, creds channel.Credentials) {
	gw, err := s.registry.Gateway(p, creds)
	if err != nil {
		return
	}
	if setter, ok := gw.(channel.WebhookSetter); ok {
		if resp := setter.DeleteWebhook(ctx); !resp.Success {
			log.Warn("webhook removal failed", slog.Any("error", resp.Err()))
		}
	}
}
