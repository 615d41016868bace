// Package handler serves the proxied traffic and the admin endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/listener"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StateReporter exposes the proxy listener lifecycle state.
type StateReporter interface {
	State() listener.State
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	pc        *config.ProxyConfig
	listeners StateReporter
	version   Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(pc *config.ProxyConfig, mgr *listener.Manager, v Version) *HealthHandler {
	return &HealthHandler{pc: pc, listeners: mgr, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	prefixes := make([]string, len(h.pc.Prefixes))
	for i, p := range h.pc.Prefixes {
		prefixes[i] = p.Raw
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.pc.Origin.String(),
		"listen":       prefixes,
		"listener":     h.listeners.State().String(),
		"rewrite": map[string]bool{
			"host":    h.pc.RewriteHost,
			"referer": h.pc.RewriteReferer,
			"body":    h.pc.RewriteBody,
		},
	})
}
