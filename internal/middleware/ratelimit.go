package middleware

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"outbound-relay-go/internal/metrics"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Capacity is the bucket size and the initial token count.
	Capacity int

	// RefillRate is the number of tokens added per second.
	RefillRate float64

	// Blocking makes callers wait for a token instead of failing.
	Blocking bool

	// Now and Sleep replace the wall clock; both default to real time.
	Now   func() time.Time
	Sleep SleepFunc

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// RateLimiter admits calls through a token bucket shared by every caller of
// the chain. Reading the clock, refilling and consuming happen under one
// lock, so timestamps reach the bucket in order and no elapsed interval is
// credited twice.
type RateLimiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	rate     float64
	blocking bool
	now      func() time.Time
	sleep    SleepFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRateLimiter returns a limiter with a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if cfg.Capacity <= 0 {
		return nil, pipeline.ConfigError("ratelimit", "capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.RefillRate <= 0 {
		return nil, pipeline.ConfigError("ratelimit", "refill rate must be positive, got %g", cfg.RefillRate)
	}
	rl := &RateLimiter{
		limiter:  rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		rate:     cfg.RefillRate,
		blocking: cfg.Blocking,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if rl.now == nil {
		rl.now = time.Now
	}
	if rl.sleep == nil {
		rl.sleep = sleepContext
	}
	if rl.logger == nil {
		rl.logger = slog.New(slog.DiscardHandler)
	}
	return rl, nil
}

// Tokens returns the tokens currently available.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limiter.TokensAt(rl.now())
}

func (rl *RateLimiter) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	if err := rl.acquire(ctx); err != nil {
		return nil, err
	}
	return next(ctx, req, sc)
}

// acquire takes one token. In blocking mode it sleeps (1-tokens)/rate and
// tries again until a token is available or ctx ends.
func (rl *RateLimiter) acquire(ctx context.Context) error {
	waited := false
	for {
		ok, wait := rl.take()
		if ok {
			if waited {
				rl.metrics.ObserveRateLimit("waited")
			} else {
				rl.metrics.ObserveRateLimit("allowed")
			}
			return nil
		}

		if !rl.blocking {
			rl.metrics.ObserveRateLimit("rejected")
			rl.logger.Debug("rate limit exceeded", "retry_after", wait)
			return pipeline.RateLimitError("ratelimit", wait)
		}

		waited = true
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes one token if available. Otherwise it reports the time until
// one whole token is available.
func (rl *RateLimiter) take() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if rl.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, rl.deficit(now)
}

// deficit is the time until one whole token is available. Callers hold mu.
func (rl *RateLimiter) deficit(now time.Time) time.Duration {
	tokens := rl.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / rl.rate * float64(time.Second))
}
