package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vmforge/manager/internal/metrics"
)

// APIKeyMiddleware validates the X-API-Key header against the configured key.
// If the configured key is empty, authentication is disabled (development mode).
// Both a missing and an invalid key are reported as 401, never 403 — the
// caller learns nothing about which of the two it got wrong.
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				metrics.AuthAttemptsTotal.WithLabelValues("rejected").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing or invalid API key",
				})
			}

			metrics.AuthAttemptsTotal.WithLabelValues("accepted").Inc()
			return next(c)
		}
	}
}
