package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"hf-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	flags   config.FlagSource
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(flags config.FlagSource, v Version) *HealthHandler {
	return &HealthHandler{flags: flags, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Upstream       string `json:"upstream"`
	ProxyAllHost   bool   `json:"proxy_all_host"`
	UseXetTransfer bool   `json:"use_xet_transfer"`
}

// Status reports the build version and the feature flags in effect right now.
func (h *HealthHandler) Status(c echo.Context) error {
	flags := h.flags()
	return c.JSON(http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		Upstream:       "https://huggingface.co",
		ProxyAllHost:   flags.ProxyAllHost,
		UseXetTransfer: flags.UseXetTransfer,
	})
}
