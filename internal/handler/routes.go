package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygate/internal/config"
	"relaygate/internal/metrics"
	"relaygate/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, tr *service.Translator, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)
	m.TrackRoutes("/healthz", "/gateway/status")

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		m.TrackRoutes(cfg.Metrics.Path)
	}

	for _, r := range tr.Routes() {
		e.GET(r.Path, proxy.Route(r))
		m.TrackRoutes(r.Path)
	}
}
