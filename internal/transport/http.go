// Package transport performs the network exchange at the bottom of the
// outbound pipeline.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"outbound-relay-go/internal/config"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// HTTP sends requests with a pooled net/http client. The scoped timeout
// becomes the deadline of each call.
type HTTP struct {
	client   *http.Client
	fallback time.Duration
	logger   *slog.Logger
}

// NewHTTP creates an HTTP transport with connection pooling. The upstream
// timeout applies to calls whose scope carries no timeout.
func NewHTTP(cfg *config.Config, logger *slog.Logger) *HTTP {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTP{
		client:   &http.Client{Transport: transport},
		fallback: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:   logger.With("component", "transport"),
	}
}

// Send performs req. The caller owns the returned response and must Close it
// or buffer it; closing releases the per-call deadline.
func (h *HTTP) Send(ctx context.Context, req *model.Request, sc pipeline.Scope) (*model.Response, error) {
	timeout, ok := sc.Timeout()
	if !ok {
		timeout = h.fallback
	}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	hreq, err := http.NewRequestWithContext(callCtx, req.Method(), req.URIString(), req.Body())
	if err != nil {
		cancel()
		return nil, pipeline.ConfigError("transport", "build request: %v", err)
	}
	hreq.Header = req.Header()

	h.logger.Debug("upstream request",
		"method", req.Method(),
		"host", hreq.URL.Host,
		"path", hreq.URL.Path,
		"timeout", timeout,
		"request_id", sc.RequestID(),
	)

	resp, err := h.client.Do(hreq) //nolint:bodyclose // body ownership transfers to caller via model.Response
	if err != nil {
		cancel()
		return nil, classify(ctx, timeout, err)
	}

	_, reason, _ := strings.Cut(resp.Status, " ")
	body := &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	out := model.NewResponse(resp.StatusCode, resp.Header, body)
	if reason != "" {
		out = out.WithReason(reason)
	}
	return out, nil
}

// classify maps a net/http failure onto the pipeline taxonomy. Cancellation
// by the caller is returned as is so it is never mistaken for a transient fault.
func classify(parent context.Context, timeout time.Duration, err error) error {
	if errors.Is(err, context.Canceled) && errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.TimeoutError("transport", timeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return pipeline.TimeoutError("transport", timeout, err)
	}
	if isProtocolError(err) {
		return pipeline.ProtocolError("transport", err)
	}
	return pipeline.NetworkError("transport", err)
}

func isProtocolError(err error) bool {
	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") ||
		strings.Contains(msg, "server gave HTTP response to HTTPS client")
}

// cancelOnClose releases the call context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	if err != nil {
		return fmt.Errorf("close upstream body: %w", err)
	}
	return nil
}
