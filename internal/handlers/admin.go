package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/auth"
	"github.com/memohai/chatrelay/internal/marketing"
	"github.com/memohai/chatrelay/internal/stats"
)

// AccessAdmin is the access control engine as seen by the admin surface.
type AccessAdmin interface {
	Get(ctx context.Context, id string) (accounts.Account, error)
	List(ctx context.Context, filter accounts.ListFilter) ([]accounts.Account, error)
	GrantAccess(ctx context.Context, adminID, targetID, reason string) (accounts.Account, error)
	GrantSubscription(ctx context.Context, adminID, targetID string, tier accounts.SubscriptionType, reason string) (accounts.Account, error)
	RevokeAccess(ctx context.Context, adminID, targetID, reason string) (accounts.Account, error)
	ExtendTrial(ctx context.Context, adminID, targetID string, days int, reason string) (accounts.Account, error)
	SuspendUser(ctx context.Context, adminID, targetID, reason string) (accounts.Account, error)
	SetActive(ctx context.Context, adminID, targetID string, active bool, reason string) (accounts.Account, error)
	RecentActions(ctx context.Context, limit int) ([]accounts.AdminAction, error)
	Statistics(ctx context.Context) (accounts.Statistics, error)
}

type StatsHistory interface {
	Recent(ctx context.Context, limit int) ([]stats.DailyStats, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, segment marketing.Segment, text string) (marketing.Report, error)
}

// AdminHandler exposes access control and reporting to administrators.
type AdminHandler struct {
	access      AccessAdmin
	history     StatsHistory
	broadcaster Broadcaster
	logger      *slog.Logger
}

type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type SubscriptionRequest struct {
	Tier   string `json:"tier" validate:"required,oneof=monthly yearly"`
	Reason string `json:"reason" validate:"max=500"`
}

type ExtendTrialRequest struct {
	Days   int    `json:"days" validate:"gte=0,lte=365"`
	Reason string `json:"reason" validate:"max=500"`
}

type SetActiveRequest struct {
	Active *bool  `json:"active" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type StatisticsResponse struct {
	Accounts accounts.Statistics `json:"accounts"`
	Daily    []stats.DailyStats  `json:"daily"`
}

// NewAdminHandler creates the admin handler. broadcaster may be nil when
// marketing is not configured.
func NewAdminHandler(log *slog.Logger, access AccessAdmin, history StatsHistory, broadcaster Broadcaster) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		access:      access,
		history:     history,
		broadcaster: broadcaster,
		logger:      log.With(slog.String("handler", "admin")),
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	g := e.Group("/admin", auth.RequireAdmin())
	g.GET("/accounts", h.ListAccounts)
	g.GET("/accounts/:id", h.GetAccount)
	g.POST("/accounts/:id/grant", h.GrantAccess)
	g.POST("/accounts/:id/subscription", h.GrantSubscription)
	g.POST("/accounts/:id/revoke", h.RevokeAccess)
	g.POST("/accounts/:id/extend-trial", h.ExtendTrial)
	g.POST("/accounts/:id/suspend", h.Suspend)
	g.POST("/accounts/:id/active", h.SetActive)
	g.GET("/actions", h.RecentActions)
	g.GET("/statistics", h.Statistics)
	g.POST("/broadcast", h.Broadcast)
}

// ListAccounts godoc
// @Summary List accounts
// @Tags admin
// @Param status query string false "Status filter"
// @Param search query string false "Username or email substring"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {array} accounts.Account
// @Failure 400 {object} ErrorResponse
// @Router /admin/accounts [get]
func (h *AdminHandler) ListAccounts(c echo.Context) error {
	filter := accounts.ListFilter{Search: c.QueryParam("search")}
	if raw := c.QueryParam("status"); raw != "" {
		status, err := accounts.ParseStatus(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.Status = &status
	}
	var err error
	if filter.Limit, err = queryUint(c, "limit", 100); err != nil {
		return err
	}
	if filter.Offset, err = queryUint(c, "offset", 0); err != nil {
		return err
	}
	items, err := h.access.List(c.Request().Context(), filter)
	if err != nil {
		return h.fail(err)
	}
	if items == nil {
		items = []accounts.Account{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *AdminHandler) GetAccount(c echo.Context) error {
	acct, err := h.access.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, acct)
}

// GrantAccess godoc
// @Summary Grant permanent access
// @Tags admin
// @Param id path string true "Account ID"
// @Param payload body ReasonRequest false "Reason"
// @Success 200 {object} accounts.Account
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/accounts/{id}/grant [post]
func (h *AdminHandler) GrantAccess(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, adminID, targetID string) (accounts.Account, error) {
		var req ReasonRequest
		if err := bindAndValidate(c, &req); err != nil {
			return accounts.Account{}, err
		}
		return h.access.GrantAccess(ctx, adminID, targetID, req.Reason)
	})
}

func (h *AdminHandler) GrantSubscription(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, adminID, targetID string) (accounts.Account, error) {
		var req SubscriptionRequest
		if err := bindAndValidate(c, &req); err != nil {
			return accounts.Account{}, err
		}
		return h.access.GrantSubscription(ctx, adminID, targetID, accounts.SubscriptionType(req.Tier), req.Reason)
	})
}

func (h *AdminHandler) RevokeAccess(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, adminID, targetID string) (accounts.Account, error) {
		var req ReasonRequest
		if err := bindAndValidate(c, &req); err != nil {
			return accounts.Account{}, err
		}
		return h.access.RevokeAccess(ctx, adminID, targetID, req.Reason)
	})
}

// ExtendTrial godoc
// @Summary Extend a trial
// @Description Days defaults to 7 when zero
// @Tags admin
// @Param id path string true "Account ID"
// @Param payload body ExtendTrialRequest false "Extension"
// @Success 200 {object} accounts.Account
// @Router /admin/accounts/{id}/extend-trial [post]
func (h *AdminHandler) ExtendTrial(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, adminID, targetID string) (accounts.Account, error) {
		var req ExtendTrialRequest
		if err := bindAndValidate(c, &req); err != nil {
			return accounts.Account{}, err
		}
		return h.access.ExtendTrial(ctx, adminID, targetID, req.Days, req.Reason)
	})
}

func (h *AdminHandler) Suspend(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, adminID, targetID string) (accounts.Account, error) {
		var req ReasonRequest
		if err := bindAndValidate(c, &req); err != nil {
			return accounts.Account{}, err
		}
		return h.access.SuspendUser(ctx, adminID, targetID, req.Reason)
	})
}

func (h *AdminHandler) SetActive(c echo.Context) error {
	return h.transition(c, func(ctx context.Context, adminID, targetID string) (accounts.Account, error) {
		var req SetActiveRequest
		if err := bindAndValidate(c, &req); err != nil {
			return accounts.Account{}, err
		}
		return h.access.SetActive(ctx, adminID, targetID, *req.Active, req.Reason)
	})
}

func (h *AdminHandler) transition(c echo.Context, apply func(ctx context.Context, adminID, targetID string) (accounts.Account, error)) error {
	adminID, err := auth.AccountIDFromContext(c)
	if err != nil {
		return err
	}
	acct, err := apply(c.Request().Context(), adminID, c.Param("id"))
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *AdminHandler) RecentActions(c echo.Context) error {
	limit, err := queryUint(c, "limit", accounts.RecentActionsLimit)
	if err != nil {
		return err
	}
	items, err := h.access.RecentActions(c.Request().Context(), int(limit))
	if err != nil {
		return h.fail(err)
	}
	if items == nil {
		items = []accounts.AdminAction{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *AdminHandler) Statistics(c echo.Context) error {
	ctx := c.Request().Context()
	summary, err := h.access.Statistics(ctx)
	if err != nil {
		return h.fail(err)
	}
	resp := StatisticsResponse{Accounts: summary, Daily: []stats.DailyStats{}}
	if h.history != nil {
		days, err := queryUint(c, "days", 30)
		if err != nil {
			return err
		}
		daily, err := h.history.Recent(ctx, int(days))
		if err != nil {
			return h.fail(err)
		}
		if daily != nil {
			resp.Daily = daily
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Broadcast godoc
// @Summary Send a marketing broadcast
// @Tags admin
// @Param payload body marketing.BroadcastRequest true "Broadcast"
// @Success 200 {object} marketing.Report
// @Failure 503 {object} ErrorResponse
// @Router /admin/broadcast [post]
func (h *AdminHandler) Broadcast(c echo.Context) error {
	if h.broadcaster == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "marketing is not configured")
	}
	var req marketing.BroadcastRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	segment, err := marketing.ParseSegment(req.Segment)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rep, err := h.broadcaster.Broadcast(c.Request().Context(), segment, req.Text)
	if err != nil {
		h.logger.Warn("broadcast interrupted", slog.Any("error", err), slog.Int("sent", rep.Sent))
		return h.fail(err)
	}
	h.logger.Info("broadcast sent",
		slog.String("segment", string(segment)),
		slog.Int("sent", rep.Sent),
		slog.Int("failed", rep.Failed))
	return c.JSON(http.StatusOK, rep)
}

func (h *AdminHandler) fail(err error) error {
	he := toHTTPError(err)
	if he.Code >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", slog.Any("error", err))
	}
	return he
}

func queryUint(c echo.Context, name string, def uint64) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}
