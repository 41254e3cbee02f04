// Package client assembles the outbound pipeline from configuration and
// exposes it as a single Send call.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"outbound-relay-go/internal/config"
	"outbound-relay-go/internal/metrics"
	"outbound-relay-go/internal/middleware"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// Client runs requests through a middleware chain ending at a transport.
type Client struct {
	chain     *pipeline.Chain
	transport pipeline.Transport
	cache     *middleware.ResponseCache
	limiter   *middleware.RateLimiter
	logger    *slog.Logger
}

// New builds the chain described by cfg.Pipeline. Stages are added outermost
// first: request id, tracing, metrics, auth, rate limit, cache, timeout,
// retry, request logger. m and tp are optional.
func New(cfg *config.Config, tr pipeline.Transport, logger *slog.Logger, m *metrics.Metrics, tp trace.TracerProvider) (*Client, error) {
	logger = logger.With("component", "client")
	p := cfg.Pipeline
	c := &Client{transport: tr, logger: logger}

	var mws []pipeline.Middleware
	mws = append(mws, middleware.NewRequestID())
	if cfg.Tracing.Enabled && tp != nil {
		mws = append(mws, middleware.NewTracing(tp, propagation.TraceContext{}))
	}
	if m != nil {
		mws = append(mws, middleware.NewMetrics(m))
	}

	if p.Auth != nil {
		auth, err := middleware.NewAuthInjector(p.Auth.Type, p.Auth.Credential, p.Auth.Header)
		if err != nil {
			return nil, err
		}
		mws = append(mws, auth)
	}

	if p.RateLimit != nil {
		rl, err := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Capacity:   p.RateLimit.BucketCapacity(),
			RefillRate: p.RateLimit.RefillRate(),
			Blocking:   p.RateLimit.Blocking,
			Metrics:    m,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		c.limiter = rl
		mws = append(mws, rl)
	}

	if p.Cache.Enabled && p.Cache.TTL() > 0 {
		rc, err := middleware.NewResponseCache(middleware.CacheConfig{
			TTL:         p.Cache.TTL(),
			VaryHeaders: varyHeaders(p),
			Metrics:     m,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		c.cache = rc
		mws = append(mws, rc)
	}

	tp2, err := middleware.NewTimeoutPropagator(p.PipelineTimeout())
	if err != nil {
		return nil, err
	}
	mws = append(mws, tp2)

	if n := p.MaxRetries(); n > 0 {
		retryable := pipeline.Retryable
		if p.RetryProtocolErrors != nil && !*p.RetryProtocolErrors {
			retryable = func(err error) bool {
				return pipeline.Retryable(err) && pipeline.KindOf(err) != pipeline.KindProtocol
			}
		}
		rp, err := middleware.NewRetryPolicy(middleware.RetryConfig{
			MaxRetries:     n,
			InitialBackoff: time.Duration(p.InitialBackoffMS) * time.Millisecond,
			Multiplier:     p.BackoffMultiplier,
			MaxBackoff:     time.Duration(p.MaxBackoffMS) * time.Millisecond,
			RetryStatuses:  p.RetryStatuses,
			Retryable:      retryable,
			Metrics:        m,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		mws = append(mws, rp)
	}

	if p.LogRequests {
		rl, err := middleware.NewRequestLogger(middleware.SlogSink(logger, slog.LevelInfo))
		if err != nil {
			return nil, err
		}
		mws = append(mws, rl)
	}

	chain, err := pipeline.NewChain(mws...)
	if err != nil {
		return nil, err
	}
	c.chain = chain

	logger.Info("outbound pipeline ready",
		"stages", chain.Len(),
		"auth", p.Auth != nil,
		"rate_limit", p.RateLimit != nil,
		"cache", p.Cache.Enabled,
		"retries", p.MaxRetries(),
		"timeout", p.PipelineTimeout(),
	)
	return c, nil
}

// NewWithMiddlewares builds a client from an explicit middleware list.
func NewWithMiddlewares(tr pipeline.Transport, logger *slog.Logger, mws ...pipeline.Middleware) (*Client, error) {
	chain, err := pipeline.NewChain(mws...)
	if err != nil {
		return nil, err
	}
	return &Client{chain: chain, transport: tr, logger: logger.With("component", "client")}, nil
}

// Send runs req through the pipeline. Without middlewares the transport is
// called directly.
func (c *Client) Send(ctx context.Context, req *model.Request, sc pipeline.Scope) (*model.Response, error) {
	if c.chain.Len() == 0 {
		return c.transport.Send(ctx, req, sc)
	}
	return c.chain.Handle(ctx, req, sc, c.transport.Send)
}

// Cache returns the response cache, or nil when caching is disabled.
func (c *Client) Cache() *middleware.ResponseCache { return c.cache }

// Limiter returns the outbound rate limiter, or nil when it is disabled.
func (c *Client) Limiter() *middleware.RateLimiter { return c.limiter }

// varyHeaders returns the configured cache vary headers, adding the api-key
// header so tenants with different keys never share entries.
func varyHeaders(p config.PipelineConfig) []string {
	vary := p.Cache.VaryHeaders
	if vary == nil {
		vary = append([]string(nil), middleware.DefaultVaryHeaders...)
	}
	if p.Auth != nil && strings.EqualFold(p.Auth.Type, middleware.SchemeAPIKey) && p.Auth.Header != "" {
		vary = append(vary, http.CanonicalHeaderKey(p.Auth.Header))
	}
	return vary
}
