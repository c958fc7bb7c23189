package handler

import (
	"github.com/labstack/echo/v4"

	"hf-proxy-go/internal/config"
	"hf-proxy-go/internal/metrics"
)

// Internal endpoints live under /-/, a prefix the upstream never serves.
const (
	HealthzPath = "/-/healthz"
	StatusPath  = "/-/status"
)

// RegisterRoutes wires all route handlers onto the Echo instance. m may be
// nil when metrics are disabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET(HealthzPath, health.Healthz)
	e.GET(StatusPath, health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}

	e.Any("/*", proxy.Handle)
}
