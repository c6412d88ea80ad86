package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/auth"
)

// AccountDirectory is the part of the access engine the auth surface needs.
type AccountDirectory interface {
	Register(ctx context.Context, req accounts.RegisterRequest) (accounts.Account, error)
	Authenticate(ctx context.Context, username, password string) (accounts.Account, error)
	Get(ctx context.Context, id string) (accounts.Account, error)
	UpdateProfile(ctx context.Context, accountID string, req accounts.UpdateProfileRequest) (accounts.Account, error)
}

type AuthHandler struct {
	accounts  AccountDirectory
	secret    string
	expiresIn time.Duration
	logger    *slog.Logger
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Account     accounts.Account `json:"account"`
}

func NewAuthHandler(log *slog.Logger, directory AccountDirectory, jwtSecret string, expiresIn time.Duration) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		accounts:  directory,
		secret:    jwtSecret,
		expiresIn: expiresIn,
		logger:    log.With(slog.String("handler", "auth")),
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	g := e.Group("/auth")
	g.POST("/register", h.SignUp)
	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
	g.GET("/me", h.Me)
	g.PUT("/me", h.UpdateMe)
}

// SignUp godoc
// @Summary Register an account
// @Description Creates an account in trial status and returns a token
// @Tags auth
// @Param payload body accounts.RegisterRequest true "Registration"
// @Success 201 {object} LoginResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) SignUp(c echo.Context) error {
	var req accounts.RegisterRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	acct, err := h.accounts.Register(c.Request().Context(), req)
	if err != nil {
		return h.fail(err)
	}
	return h.issue(c, http.StatusCreated, acct)
}

// Login godoc
// @Summary Log in
// @Tags auth
// @Param payload body LoginRequest true "Credentials"
// @Success 200 {object} LoginResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	acct, err := h.accounts.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return h.fail(err)
	}
	return h.issue(c, http.StatusOK, acct)
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.expiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt,
	})
}

func (h *AuthHandler) Me(c echo.Context) error {
	accountID, err := auth.AccountIDFromContext(c)
	if err != nil {
		return err
	}
	acct, err := h.accounts.Get(c.Request().Context(), accountID)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, acct)
}

// UpdateMe godoc
// @Summary Update own profile
// @Description Changes name, phone, language, Telegram chat id or password
// @Tags auth
// @Param payload body accounts.UpdateProfileRequest true "Profile changes"
// @Success 200 {object} accounts.Account
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/me [put]
func (h *AuthHandler) UpdateMe(c echo.Context) error {
	accountID, err := auth.AccountIDFromContext(c)
	if err != nil {
		return err
	}
	var req accounts.UpdateProfileRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	acct, err := h.accounts.UpdateProfile(c.Request().Context(), accountID, req)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *AuthHandler) issue(c echo.Context, status int, acct accounts.Account) error {
	token, expiresAt, err := auth.GenerateToken(auth.Identity{
		AccountID: acct.ID,
		Username:  acct.Username,
		IsAdmin:   acct.IsAdmin,
	}, h.secret, h.expiresIn)
	if err != nil {
		h.logger.Error("issue token failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(status, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Account:     acct,
	})
}

func (h *AuthHandler) fail(err error) error {
	he := toHTTPError(err)
	if he.Code >= http.StatusInternalServerError {
		h.logger.Error("auth request failed", slog.Any("error", err))
	}
	return he
}
