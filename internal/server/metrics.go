package server

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"outbound-relay-go/internal/metrics"
)

// Metrics counts inbound requests and tracks how many are in flight.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			m.ObserveInbound(c.Request().Method, c.Request().URL.Path, responseStatus(c, err), time.Since(start))
			return err
		}
	}
}

// responseStatus resolves the status a request will be answered with. An
// *echo.HTTPError is written later by the central error handler, so the
// response does not carry its code yet.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
