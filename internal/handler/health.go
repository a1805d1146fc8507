package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.ProxyConfig
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(pc *config.ProxyConfig, v Version) *HealthHandler {
	return &HealthHandler{cfg: pc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	OriginWhitelist    int    `json:"origin_whitelist"`
	OriginBlacklist    int    `json:"origin_blacklist"`
	RequireHeaders     int    `json:"require_headers"`
	RemoveHeaders      int    `json:"remove_headers"`
	MaxRedirects       int    `json:"max_redirects"`
	RedirectSameOrigin bool   `json:"redirect_same_origin"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
}

// Status reports the relay version and the size of its access policy.
// Origin lists are summarized, never listed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:             "ok",
		Version:            string(h.version),
		OriginWhitelist:    len(h.cfg.OriginWhitelist),
		OriginBlacklist:    len(h.cfg.OriginBlacklist),
		RequireHeaders:     len(h.cfg.RequiredHeaders),
		RemoveHeaders:      len(h.cfg.RemoveHeaders),
		MaxRedirects:       h.cfg.MaxRedirects,
		RedirectSameOrigin: h.cfg.RedirectSameOrigin,
		TimeoutSeconds:     int(h.cfg.RequestTimeout.Seconds()),
	})
}
