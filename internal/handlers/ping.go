package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatrelay/internal/healthcheck"
)

type PingHandler struct {
	health *healthcheck.Aggregator
	logger *slog.Logger
}

func NewPingHandler(log *slog.Logger, health *healthcheck.Aggregator) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{health: health, logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health godoc
// @Summary Dependency health
// @Description Runs the database and gateway checks
// @Tags system
// @Success 200 {object} healthcheck.Report
// @Failure 503 {object} healthcheck.Report
// @Router /health [get]
func (h *PingHandler) Health(c echo.Context) error {
	rep := h.health.Run(c.Request().Context())
	status := http.StatusOK
	if rep.Status == healthcheck.StatusError {
		status = http.StatusServiceUnavailable
		h.logger.Warn("health check failed", slog.Any("checks", rep.Checks))
	}
	return c.JSON(status, rep)
}
