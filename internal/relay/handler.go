package relay

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatrelay/internal/channel"
)

// MaxBodyBytes bounds an inbound webhook body.
const MaxBodyBytes = 1 << 20

// WebhookHandler exposes the pipeline at /webhook/:platform/:bot_id.
type WebhookHandler struct {
	pipeline *Pipeline
	registry *channel.Registry
	logger   *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, pipeline *Pipeline, registry *channel.Registry) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		pipeline: pipeline,
		registry: registry,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhook/:platform/:bot_id", h.Receive)
	e.GET("/webhook/:platform/:bot_id", h.Verify)
}

// Receive handles a platform delivery. The response carries no body; only
// the status matters to the platform.
func (h *WebhookHandler) Receive(c echo.Context) error {
	platform, err := h.registry.Parse(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > MaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}

	ctx := c.Request().Context()
	res, err := h.pipeline.Handle(ctx, platform, c.Param("bot_id"), c.Request().Header, body)
	if err != nil {
		return h.httpError(err)
	}
	h.logger.Debug("webhook handled",
		slog.String("platform", string(platform)),
		slog.Int("handled", res.Handled),
		slog.Int("skipped", res.Skipped),
		slog.Bool("inert", res.Inert),
	)
	return c.NoContent(http.StatusOK)
}

// Verify answers the hub.challenge subscription handshake.
func (h *WebhookHandler) Verify(c echo.Context) error {
	platform, err := h.registry.Parse(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown platform")
	}
	challenge, err := h.pipeline.VerifyChallenge(c.Request().Context(), platform, c.Param("bot_id"), c.QueryParams())
	if err != nil {
		return h.httpError(err)
	}
	return c.String(http.StatusOK, challenge)
}

func (h *WebhookHandler) httpError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownBot):
		return echo.NewHTTPError(http.StatusNotFound, "unknown bot")
	case errors.Is(err, ErrAuthentication):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	default:
		h.logger.Error("webhook processing failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
