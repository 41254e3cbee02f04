package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"outbound-relay-go/internal/client"
	"outbound-relay-go/internal/config"
	"outbound-relay-go/internal/middleware"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	client  *client.Client
	version Version
}

// StatusResponse is the body of GET /relay/status.
type StatusResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	UpstreamURL string                 `json:"upstream_url"`
	Timeout     float64                `json:"timeout_seconds"`
	Retries     int                    `json:"retries"`
	Cache       *middleware.CacheStats `json:"cache,omitempty"`
	Tokens      *float64               `json:"rate_limit_tokens,omitempty"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, c *client.Client, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, client: c, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the relay version and the live state of the pipeline.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Timeout:     h.cfg.Pipeline.PipelineTimeout().Seconds(),
		Retries:     h.cfg.Pipeline.MaxRetries(),
	}
	if h.client != nil {
		if rc := h.client.Cache(); rc != nil {
			stats := rc.Stats()
			resp.Cache = &stats
		}
		if rl := h.client.Limiter(); rl != nil {
			tokens := rl.Tokens()
			resp.Tokens = &tokens
		}
	}
	return c.JSON(http.StatusOK, resp)
}
