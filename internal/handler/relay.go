package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"outbound-relay-go/internal/pipeline"
	"outbound-relay-go/internal/service"
)

// secretPattern matches credential query values and bearer tokens embedded
// in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token)=|bearer\s+)[^&\s"]+`)

// RelayHandler forwards /api calls upstream through the outbound pipeline.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request upstream and streams the response back.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Forward(req.Context(), &service.Inbound{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Close() }()

	for key, vals := range resp.Header() {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode())

	// The status is already on the wire, so a failed copy can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body()); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"kind", pipeline.KindOf(err).String(),
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, service.ErrInvalidTimeout):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid " + service.TimeoutHeader + " header",
		})

	case errors.Is(err, pipeline.ErrRateLimited):
		var pe *pipeline.Error
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
		}
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "outbound rate limit exceeded",
		})

	case pipeline.IsTimeout(err):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})

	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})

	case errors.Is(err, pipeline.ErrProtocol):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream sent an invalid response",
		})

	case errors.Is(err, pipeline.ErrNetwork):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})

	case errors.Is(err, pipeline.ErrConfiguration):
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "relay misconfigured",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts credentials from error messages that may contain
// upstream URLs or headers.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
