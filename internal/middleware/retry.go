package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"outbound-relay-go/internal/metrics"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// Retry defaults.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMultiplier     = 2.0
)

// RetryConfig configures a RetryPolicy.
type RetryConfig struct {
	// MaxRetries bounds the extra attempts; a call runs at most MaxRetries+1 times.
	MaxRetries int

	// InitialBackoff is the delay before the first retry. Defaults to 100ms.
	InitialBackoff time.Duration

	// Multiplier grows the delay after every retry. Must exceed 1; defaults to 2.
	Multiplier float64

	// MaxBackoff caps the delay before jitter. Zero means uncapped.
	MaxBackoff time.Duration

	// RetryStatuses lists response codes that are retried like failures.
	// When retries run out the last such response is returned as is.
	RetryStatuses []int

	// Retryable classifies errors. Defaults to pipeline.Retryable.
	Retryable func(error) bool

	// Sleep and Jitter replace the real timer and random source.
	Sleep  SleepFunc
	Jitter func(max time.Duration) time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// RetryPolicy re-invokes the rest of the chain after transient failures,
// waiting an exponentially growing, jittered delay between attempts.
type RetryPolicy struct {
	maxRetries int
	initial    time.Duration
	multiplier float64
	maxBackoff time.Duration
	statuses   []int
	retryable  func(error) bool
	sleep      SleepFunc
	jitter     func(time.Duration) time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRetryPolicy validates cfg and applies defaults.
func NewRetryPolicy(cfg RetryConfig) (*RetryPolicy, error) {
	if cfg.MaxRetries < 0 {
		return nil, pipeline.ConfigError("retry", "max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.InitialBackoff < 0 {
		return nil, pipeline.ConfigError("retry", "initial backoff must not be negative, got %s", cfg.InitialBackoff)
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Multiplier <= 1 {
		return nil, pipeline.ConfigError("retry", "multiplier must be greater than 1, got %g", cfg.Multiplier)
	}

	p := &RetryPolicy{
		maxRetries: cfg.MaxRetries,
		initial:    cfg.InitialBackoff,
		multiplier: cfg.Multiplier,
		maxBackoff: cfg.MaxBackoff,
		statuses:   slices.Clone(cfg.RetryStatuses),
		retryable:  cfg.Retryable,
		sleep:      cfg.Sleep,
		jitter:     cfg.Jitter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if p.retryable == nil {
		p.retryable = pipeline.Retryable
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.jitter == nil {
		p.jitter = uniformJitter
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p, nil
}

func (p *RetryPolicy) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	// Every attempt must send the same bytes.
	req, err := req.Buffer()
	if err != nil {
		return nil, err
	}

	backoff := p.initial
	for attempt := 0; ; attempt++ {
		resp, err := next(ctx, req, sc.WithRetryCount(attempt))
		switch {
		case err == nil && !p.retryStatus(resp):
			return resp, nil
		case err != nil && !p.retryable(err):
			return nil, err
		}

		if attempt >= p.maxRetries {
			if p.maxRetries > 0 {
				p.metrics.ObserveRetriesExhausted()
			}
			return resp, err
		}
		if resp != nil {
			_ = resp.Close()
		}

		delay := backoff + p.jitter(backoff/10)
		p.logger.Debug("retrying request",
			"attempt", attempt+1,
			"max_retries", p.maxRetries,
			"delay", delay,
			"error", err,
		)
		p.metrics.ObserveRetry()
		if serr := p.sleep(ctx, delay); serr != nil {
			return nil, errors.Join(err, serr)
		}

		backoff = time.Duration(float64(backoff) * p.multiplier)
		if p.maxBackoff > 0 && backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

func (p *RetryPolicy) retryStatus(resp *model.Response) bool {
	return resp != nil && slices.Contains(p.statuses, resp.StatusCode())
}

// uniformJitter returns a delay drawn uniformly from [0, max).
func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
