package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"outbound-relay-go/internal/client"
)

// CacheHandler exposes administration of the response cache.
type CacheHandler struct {
	client *client.Client
	logger *slog.Logger
}

// NewCacheHandler creates a CacheHandler.
func NewCacheHandler(c *client.Client, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{
		client: c,
		logger: logger.With("component", "cache_handler"),
	}
}

// Clear drops one entry when the key query parameter is given, otherwise
// every entry. Responds 404 when caching is disabled.
func (h *CacheHandler) Clear(c echo.Context) error {
	rc := h.client.Cache()
	if rc == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "response cache is disabled",
		})
	}

	if key := c.QueryParam("key"); key != "" {
		rc.Clear(key)
		h.logger.Info("cache entry cleared", "key", key)
	} else {
		rc.ClearAll()
		h.logger.Info("cache cleared")
	}

	return c.JSON(http.StatusOK, rc.Stats())
}
