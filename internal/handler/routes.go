package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
)

// extraMethods are relayed in addition to the methods echo.Any covers.
var extraMethods = []string{
	"COPY", "LOCK", "MKCOL", "MOVE", "PROPPATCH", "PURGE", "SEARCH", "UNLOCK",
}

// RegisterRoutes sends every path on the proxy listeners to the proxy handler.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	e.Match(extraMethods, "/", proxy.Handle)
	e.Match(extraMethods, "/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and (optionally) metrics onto the
// admin Echo instance. m may be nil when metrics are disabled.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
