// Package service implements the relay forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"outbound-relay-go/internal/client"
	"outbound-relay-go/internal/config"
	"outbound-relay-go/internal/middleware"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// RoutePrefix is the inbound path prefix replaced by the upstream base path.
const RoutePrefix = "/api"

// TimeoutHeader lets a caller set the pipeline timeout, in seconds, for one call.
const TimeoutHeader = "X-Relay-Timeout"

// ErrInvalidTimeout is returned when the TimeoutHeader value is not a positive number.
var ErrInvalidTimeout = errors.New("invalid " + TimeoutHeader + " header")

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Credentials are never forwarded; the pipeline injects its own.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	middleware.RequestIDHeader,
}

// forwardableResponseHeaders are the only response headers forwarded to the caller.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"Etag":             true,
	"Last-Modified":    true,
	"Retry-After":      true,
	"X-Request-Id":     true,
}

// credentialParams are query parameters stripped before forwarding, compared
// case-insensitively.
var credentialParams = []string{"apikey", "api_key", "access_token"}

const userAgent = "outbound-relay-go/1.0"

// Inbound describes a call received by the relay.
type Inbound struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.Reader
}

// RelayService rewrites inbound calls into upstream requests and sends them
// through the outbound pipeline.
type RelayService struct {
	client  *client.Client
	logger  *slog.Logger
	baseURL *url.URL
}

// NewRelayService creates a RelayService. When upstream.allowed_hosts is set,
// the base URL host must be one of them.
func NewRelayService(c *client.Client, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if allowed := cfg.Upstream.AllowedHosts; len(allowed) > 0 && !hostAllowed(u.Hostname(), allowed) {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		baseURL: u,
	}, nil
}

// Forward sends in upstream and returns the filtered response. The caller
// is responsible for closing the response.
func (s *RelayService) Forward(ctx context.Context, in *Inbound) (*model.Response, error) {
	sc, err := scopeFromHeader(in.Header)
	if err != nil {
		return nil, err
	}

	req, err := model.NewRequest(in.Method, s.buildUpstreamURL(in.Path, in.Query), in.Body)
	if err != nil {
		return nil, pipeline.ConfigError("relay", "build upstream request: %v", err)
	}
	req = req.WithHeaders(filterRequestHeaders(in.Header))

	s.logger.Debug("forwarding request",
		"method", req.Method(),
		"path", in.Path,
	)

	resp, err := s.client.Send(ctx, req, sc)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return resp.WithHeaders(filterResponseHeaders(resp.Header())), nil
}

func (s *RelayService) buildUpstreamURL(path string, query url.Values) string {
	u := *s.baseURL
	rest := strings.TrimPrefix(path, RoutePrefix)
	if rest == "" {
		rest = "/"
	}
	u.Path = strings.TrimSuffix(s.baseURL.Path, "/") + rest
	u.RawPath = ""

	q := make(url.Values)
	for k, v := range query {
		if isCredentialParam(k) {
			continue
		}
		q[k] = v
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// scopeFromHeader seeds the call scope from caller-supplied headers.
func scopeFromHeader(h http.Header) (pipeline.Scope, error) {
	sc := pipeline.NewScope()
	if id := h.Get(middleware.RequestIDHeader); id != "" {
		sc = sc.WithRequestID(id)
	}
	if raw := h.Get(TimeoutHeader); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			return sc, fmt.Errorf("%w: %q", ErrInvalidTimeout, raw)
		}
		sc = sc.WithTimeoutSeconds(secs)
	}
	return sc, nil
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

func isCredentialParam(name string) bool {
	for _, p := range credentialParams {
		if strings.EqualFold(name, p) {
			return true
		}
	}
	return false
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}
