package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/bots"
	"github.com/memohai/chatrelay/internal/conversation"
	"github.com/memohai/chatrelay/internal/db"
	"github.com/memohai/chatrelay/internal/knowledge"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// toHTTPError maps service errors to status codes. Anything unrecognized is
// a 500 with a generic message; the cause is only logged.
func toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, bots.ErrBotNotFound),
		errors.Is(err, bots.ErrPlatformNotConfigured),
		errors.Is(err, knowledge.ErrNotFound),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, db.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
	case errors.Is(err, accounts.ErrUnauthorized),
		errors.Is(err, accounts.ErrAccountInactive),
		errors.Is(err, bots.ErrBotAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, accounts.ErrAccountExists),
		errors.Is(err, db.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, accounts.ErrInvalidTier),
		errors.Is(err, db.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, bots.ErrDeployRejected):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
