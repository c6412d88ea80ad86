package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/chat"
	"github.com/memohai/chatrelay/internal/conversation"
)

// WebConversations is the conversation persistence behind the dashboard chat.
type WebConversations interface {
	GetOrCreate(ctx context.Context, id conversation.Identity) (conversation.Conversation, bool, error)
	Find(ctx context.Context, botID string, platform channel.Platform, platformUserID string) (conversation.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, in conversation.NewMessage) (conversation.Message, error)
	RecentHistory(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
}

// Responder produces an assistant reply. It never fails.
type Responder interface {
	Generate(ctx context.Context, req chat.Request) chat.Reply
}

// webHistoryLimit bounds the transcript returned to the dashboard.
const webHistoryLimit = 50

// ChatHandler lets an owner talk to their own bot from the dashboard. The
// thread is keyed by the account id on the web platform.
type ChatHandler struct {
	bots          BotAuthorizer
	conversations WebConversations
	responder     Responder
	access        AccessGate
	logger        *slog.Logger
}

type ChatRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type ChatResponse struct {
	Reply    string                 `json:"reply"`
	Fallback bool                   `json:"fallback,omitempty"`
	Messages []conversation.Message `json:"messages"`
}

type ChatHistoryResponse struct {
	Messages []conversation.Message `json:"messages"`
}

func NewChatHandler(log *slog.Logger, authorizer BotAuthorizer, conversations WebConversations, responder Responder, access AccessGate) *ChatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatHandler{
		bots:          authorizer,
		conversations: conversations,
		responder:     responder,
		access:        access,
		logger:        log.With(slog.String("handler", "chat")),
	}
}

func (h *ChatHandler) Register(e *echo.Echo) {
	g := e.Group("/bots/:id/chat")
	g.POST("", h.Send)
	g.GET("", h.History)
}

// Send godoc
// @Summary Send a message to a bot from the dashboard
// @Tags chat
// @Param id path string true "Bot ID"
// @Param payload body ChatRequest true "Message"
// @Success 200 {object} ChatResponse
// @Failure 402 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /bots/{id}/chat [post]
func (h *ChatHandler) Send(c echo.Context) error {
	id, err := requireAccess(c, h.access)
	if err != nil {
		return h.fail(err)
	}
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return h.fail(err)
	}
	if !bot.IsActive {
		return echo.NewHTTPError(http.StatusConflict, "bot is disabled")
	}
	var req ChatRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is empty")
	}

	ctx := c.Request().Context()
	conv, created, err := h.conversations.GetOrCreate(ctx, conversation.Identity{
		BotID:          bot.ID,
		Platform:       channel.PlatformWeb,
		PlatformUserID: id.AccountID,
		DisplayName:    id.Username,
		Language:       string(chat.DetectLanguage(text)),
	})
	if err != nil {
		return h.fail(fmt.Errorf("resolve conversation: %w", err))
	}
	if created {
		h.logger.Info("web conversation created", slog.String("bot_id", bot.ID), slog.String("conversation_id", conv.ID))
	}
	inbound, err := h.conversations.AppendMessage(ctx, conv.ID, conversation.NewMessage{Content: text, IsFromUser: true})
	if err != nil {
		return h.fail(fmt.Errorf("store message: %w", err))
	}
	recent, err := h.conversations.RecentHistory(ctx, conv.ID, chat.MaxHistoryTurns+1)
	if err != nil {
		return h.fail(fmt.Errorf("load history: %w", err))
	}
	history := make([]chat.Turn, 0, len(recent))
	for _, m := range recent {
		if m.ID == inbound.ID {
			continue
		}
		history = append(history, chat.Turn{FromUser: m.IsFromUser, Content: m.Content})
	}

	reply := h.responder.Generate(ctx, chat.Request{
		UserMessage:  text,
		SystemPrompt: bot.SystemPrompt,
		Language:     chat.ParseLanguage(conv.Language),
		BotID:        bot.ID,
		History:      history,
	})
	if _, err := h.conversations.AppendMessage(ctx, conv.ID, conversation.NewMessage{
		Content:    reply.Text,
		TokensUsed: reply.TokensUsed,
		Latency:    reply.Latency,
	}); err != nil {
		return h.fail(fmt.Errorf("store reply: %w", err))
	}

	messages, err := h.conversations.RecentHistory(ctx, conv.ID, webHistoryLimit)
	if err != nil {
		return h.fail(fmt.Errorf("load history: %w", err))
	}
	return c.JSON(http.StatusOK, ChatResponse{Reply: reply.Text, Fallback: reply.Fallback, Messages: messages})
}

// History returns the caller's dashboard transcript with a bot, oldest first.
func (h *ChatHandler) History(c echo.Context) error {
	id, err := requireAccess(c, h.access)
	if err != nil {
		return h.fail(err)
	}
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return h.fail(err)
	}
	ctx := c.Request().Context()
	conv, err := h.conversations.Find(ctx, bot.ID, channel.PlatformWeb, id.AccountID)
	if errors.Is(err, conversation.ErrNotFound) {
		return c.JSON(http.StatusOK, ChatHistoryResponse{Messages: []conversation.Message{}})
	}
	if err != nil {
		return h.fail(err)
	}
	messages, err := h.conversations.RecentHistory(ctx, conv.ID, webHistoryLimit)
	if err != nil {
		return h.fail(err)
	}
	if messages == nil {
		messages = []conversation.Message{}
	}
	return c.JSON(http.StatusOK, ChatHistoryResponse{Messages: messages})
}

func (h *ChatHandler) fail(err error) error {
	he := toHTTPError(err)
	if he.Code >= http.StatusInternalServerError {
		h.logger.Error("chat request failed", slog.Any("error", err))
	}
	return he
}
