package middleware_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/middleware"
)

func newLimitedEcho() *echo.Echo {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Use(middleware.CORSFallback())
	// 1 request per second, burst of 1: the second request should be rejected.
	e.Use(middleware.RateLimiter(1, logger))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestRateLimiter_Enabled(t *testing.T) {
	e := newLimitedEcho()

	// First request should succeed.
	req := httptest.NewRequest(http.MethodGet, "/http://api.example.com/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Subsequent requests should be rate-limited (429) and still carry CORS.
	var limited *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		req = httptest.NewRequest(http.MethodGet, "/http://api.example.com/", http.NoBody)
		req.Header.Set("Origin", "https://app.example.com")
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	if limited == nil {
		t.Fatal("expected at least one 429 response after burst, got none")
	}
	if got := limited.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("ACAO on 429 = %q, want %q", got, "https://app.example.com")
	}
}

func TestRateLimiter_SkipsHealthz(t *testing.T) {
	e := newLimitedEcho()

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}

func TestCORSFallback_KeepsExistingHeader(t *testing.T) {
	e := echo.New()
	e.Use(middleware.CORSFallback())
	e.GET("/x", func(c echo.Context) error {
		c.Response().Header().Set("Access-Control-Allow-Origin", "https://set.example.com")
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	req.Header.Set("Origin", "https://other.example.com")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://set.example.com" {
		t.Errorf("ACAO = %q, want the handler's value kept", got)
	}
}

func TestCORSFallback_AnonymousWildcard(t *testing.T) {
	e := echo.New()
	e.Use(middleware.CORSFallback())

	req := httptest.NewRequest(http.MethodGet, "/missing", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("ACAO = %q, want *", got)
	}
}
