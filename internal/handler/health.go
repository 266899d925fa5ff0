package handler

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"relaygate/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information. The credential is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := make([]string, 0, len(h.cfg.Routes))
	for _, r := range h.cfg.Routes {
		routes = append(routes, r.Path)
	}
	upstream := h.cfg.Upstream.BaseURL
	if u, err := url.Parse(upstream); err == nil {
		upstream = u.Redacted()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": upstream,
		"routes":       routes,
	})
}
