// Package server builds the Echo instance that fronts the relay, along with
// its inbound middleware.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"outbound-relay-go/internal/config"
	"outbound-relay-go/internal/metrics"
)

// New creates the Echo instance with the inbound middleware stack. m may be
// nil when metrics are disabled.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Streamed upstream responses may run long; the pipeline timeout bounds them.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
		// Copy the id onto the request so the relay forwards it upstream.
		RequestIDHandler: func(c echo.Context, id string) {
			c.Request().Header.Set(echo.HeaderXRequestID, id)
		},
	}))
	if m != nil {
		e.Use(Metrics(m))
	}
	e.Use(RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(SecurityHeaders(credentialHeaders(cfg)...))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("inbound rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	return e
}
