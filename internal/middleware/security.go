package middleware

import (
	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/metrics"
)

// SecurityHeaders returns an Echo middleware that adds security headers to the
// responses the relay generates itself (health, status, metrics). Relayed
// upstream responses are left untouched.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if metrics.NormalizePath(c.Request().URL.Path) == "relay" {
				return next(c)
			}

			// Set before the handler writes, so streamed bodies carry them too.
			res := c.Response()
			res.Before(func() {
				res.Header().Set("X-Content-Type-Options", "nosniff")
				res.Header().Set("X-Frame-Options", "DENY")
			})

			return next(c)
		}
	}
}
