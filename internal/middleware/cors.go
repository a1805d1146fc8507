package middleware

import (
	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/sanitize"
)

// CORSFallback makes sure responses produced outside the relay core (rate
// limiting, body limit, panics) still carry Access-Control-Allow-Origin, so
// browsers expose the failure to the calling script.
func CORSFallback() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			origin := c.Request().Header.Get("Origin")
			res.Before(func() {
				h := res.Header()
				if h.Get(sanitize.HeaderAllowOrigin) != "" {
					return
				}
				if origin == "" {
					h.Set(sanitize.HeaderAllowOrigin, "*")
					return
				}
				h.Set(sanitize.HeaderAllowOrigin, origin)
				h.Add("Vary", "Origin")
			})
			return next(c)
		}
	}
}
