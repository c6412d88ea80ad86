package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/auth/login", want: true},
		{path: "/auth/register", want: true},
		{path: "/auth/me", want: false},
		{path: "/webhook/telegram/bot-1", want: true},
		{path: "/webhook/telegram", want: false},
		{path: "/webhook/telegram/bot-1/extra", want: false},
		{path: "/api/webhook/telegram/bot-1", want: false},
		{path: "/admin/accounts", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type panicHandler struct{}

func (panicHandler) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { panic("boom") })
	e.GET("/private", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

func TestServerMiddleware(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, "", "secret", nil, panicHandler{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected recovered panic to yield 500, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))
	if rec.Code == http.StatusOK {
		t.Fatalf("expected private route to require a token")
	}
}
