package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatrelay/internal/auth"
	"github.com/memohai/chatrelay/internal/bots"
	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/knowledge"
)

// BotAuthorizer loads a bot the caller owns. Admins may load any bot.
type BotAuthorizer interface {
	AuthorizeAccess(ctx context.Context, accountID, botID string, isAdmin bool) (bots.Bot, error)
}

type BotManager interface {
	BotAuthorizer
	Create(ctx context.Context, ownerID string, req bots.CreateBotRequest) (bots.Bot, error)
	ListByOwner(ctx context.Context, ownerID string) ([]bots.Bot, error)
	Update(ctx context.Context, botID string, req bots.UpdateBotRequest) (bots.Bot, error)
	Delete(ctx context.Context, botID string) error
	SetActive(ctx context.Context, botID string, active bool) error
	Deploy(ctx context.Context, botID string, p channel.Platform, req bots.DeployRequest) (bots.DeployResult, error)
	Disconnect(ctx context.Context, botID string, p channel.Platform) error
}

type KnowledgeManager interface {
	Add(ctx context.Context, botID string, req knowledge.AddRequest) (knowledge.Entry, error)
	List(ctx context.Context, botID string) ([]knowledge.Entry, error)
	SetActive(ctx context.Context, botID, entryID string, active bool) error
	Delete(ctx context.Context, botID, entryID string) error
}

// AccessGate reports whether an account currently has service access.
type AccessGate interface {
	CheckAccess(ctx context.Context, accountID string) (bool, error)
}

// BotsHandler manages an owner's bots, their platform deployments and
// knowledge entries.
type BotsHandler struct {
	bots      BotManager
	knowledge KnowledgeManager
	access    AccessGate
	logger    *slog.Logger
}

type ToggleRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func NewBotsHandler(log *slog.Logger, manager BotManager, kb KnowledgeManager, access AccessGate) *BotsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &BotsHandler{
		bots:      manager,
		knowledge: kb,
		access:    access,
		logger:    log.With(slog.String("handler", "bots")),
	}
}

func (h *BotsHandler) Register(e *echo.Echo) {
	g := e.Group("/bots")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.PATCH("/:id/active", h.SetActive)
	g.POST("/:id/platforms/:platform", h.Deploy)
	g.DELETE("/:id/platforms/:platform", h.Disconnect)
	g.GET("/:id/knowledge", h.ListKnowledge)
	g.POST("/:id/knowledge", h.AddKnowledge)
	g.PATCH("/:id/knowledge/:entry_id", h.SetKnowledgeActive)
	g.DELETE("/:id/knowledge/:entry_id", h.DeleteKnowledge)
}

// Create godoc
// @Summary Create a bot
// @Tags bots
// @Param payload body bots.CreateBotRequest true "Bot"
// @Success 201 {object} bots.Bot
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /bots [post]
func (h *BotsHandler) Create(c echo.Context) error {
	id, err := h.requireAccess(c)
	if err != nil {
		return err
	}
	var req bots.CreateBotRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	bot, err := h.bots.Create(c.Request().Context(), id.AccountID, req)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusCreated, bot)
}

func (h *BotsHandler) List(c echo.Context) error {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.bots.ListByOwner(c.Request().Context(), id.AccountID)
	if err != nil {
		return h.fail(err)
	}
	if items == nil {
		items = []bots.Bot{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *BotsHandler) Get(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bot)
}

// Update godoc
// @Summary Edit a bot's settings
// @Tags bots
// @Param id path string true "Bot ID"
// @Param payload body bots.UpdateBotRequest true "Fields to change"
// @Success 200 {object} bots.Bot
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /bots/{id} [patch]
func (h *BotsHandler) Update(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	var req bots.UpdateBotRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	updated, err := h.bots.Update(c.Request().Context(), bot.ID, req)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// Delete godoc
// @Summary Delete a bot
// @Description Removes platform webhooks, then the bot with its conversations and knowledge
// @Tags bots
// @Param id path string true "Bot ID"
// @Success 204
// @Router /bots/{id} [delete]
func (h *BotsHandler) Delete(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	if err := h.bots.Delete(c.Request().Context(), bot.ID); err != nil {
		return h.fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BotsHandler) SetActive(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	var req ToggleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.bots.SetActive(c.Request().Context(), bot.ID, *req.Active); err != nil {
		return h.fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Deploy godoc
// @Summary Deploy a bot to a platform
// @Description Validates the token, registers the webhook and stores the binding
// @Tags bots
// @Param id path string true "Bot ID"
// @Param platform path string true "telegram, instagram or whatsapp"
// @Param payload body bots.DeployRequest true "Platform credentials"
// @Success 200 {object} bots.DeployResult
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /bots/{id}/platforms/{platform} [post]
func (h *BotsHandler) Deploy(c echo.Context) error {
	if _, err := h.requireAccess(c); err != nil {
		return err
	}
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	platform, err := channel.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req bots.DeployRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	result, err := h.bots.Deploy(c.Request().Context(), bot.ID, platform, req)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *BotsHandler) Disconnect(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	platform, err := channel.ParsePlatform(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.bots.Disconnect(c.Request().Context(), bot.ID, platform); err != nil {
		return h.fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BotsHandler) ListKnowledge(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	items, err := h.knowledge.List(c.Request().Context(), bot.ID)
	if err != nil {
		return h.fail(err)
	}
	if items == nil {
		items = []knowledge.Entry{}
	}
	return c.JSON(http.StatusOK, items)
}

// AddKnowledge godoc
// @Summary Add a knowledge entry
// @Tags bots
// @Param id path string true "Bot ID"
// @Param payload body knowledge.AddRequest true "Entry"
// @Success 201 {object} knowledge.Entry
// @Router /bots/{id}/knowledge [post]
func (h *BotsHandler) AddKnowledge(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	var req knowledge.AddRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	entry, err := h.knowledge.Add(c.Request().Context(), bot.ID, req)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *BotsHandler) SetKnowledgeActive(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	var req ToggleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.knowledge.SetActive(c.Request().Context(), bot.ID, c.Param("entry_id"), *req.Active); err != nil {
		return h.fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BotsHandler) DeleteKnowledge(c echo.Context) error {
	bot, err := h.authorizeBot(c)
	if err != nil {
		return err
	}
	if err := h.knowledge.Delete(c.Request().Context(), bot.ID, c.Param("entry_id")); err != nil {
		return h.fail(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BotsHandler) requireAccess(c echo.Context) (auth.Identity, error) {
	id, err := requireAccess(c, h.access)
	if err != nil {
		return auth.Identity{}, h.fail(err)
	}
	return id, nil
}

func (h *BotsHandler) authorizeBot(c echo.Context) (bots.Bot, error) {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return bots.Bot{}, h.fail(err)
	}
	return bot, nil
}

// requireAccess rejects callers whose trial or subscription has lapsed.
func requireAccess(c echo.Context, access AccessGate) (auth.Identity, error) {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return auth.Identity{}, err
	}
	if id.IsAdmin || access == nil {
		return id, nil
	}
	ok, err := access.CheckAccess(c.Request().Context(), id.AccountID)
	if err != nil {
		return auth.Identity{}, err
	}
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusPaymentRequired, "access expired")
	}
	return id, nil
}

func authorizeBot(c echo.Context, authorizer BotAuthorizer) (bots.Bot, error) {
	id, err := auth.IdentityFromContext(c)
	if err != nil {
		return bots.Bot{}, err
	}
	return authorizer.AuthorizeAccess(c.Request().Context(), id.AccountID, c.Param("id"), id.IsAdmin)
}

func (h *BotsHandler) fail(err error) error {
	he := toHTTPError(err)
	if he.Code >= http.StatusInternalServerError {
		h.logger.Error("bots request failed", slog.Any("error", err))
	}
	return he
}
