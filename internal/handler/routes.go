package handler

import (
	"github.com/labstack/echo/v4"

	"outbound-relay-go/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler, cache *CacheHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)
	e.DELETE("/relay/cache", cache.Clear)

	e.Any(service.RoutePrefix, relay.Handle)
	e.Any(service.RoutePrefix+"/*", relay.Handle)
}
