package middleware

import (
	"context"
	"time"

	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// DefaultTimeout is used when neither the caller nor configuration sets one.
const DefaultTimeout = 30 * time.Second

// TimeoutPropagator fills in a default timeout for calls that have none.
// It only negotiates the value; the transport enforces it.
type TimeoutPropagator struct {
	def time.Duration
}

// NewTimeoutPropagator returns a propagator with default timeout d.
func NewTimeoutPropagator(d time.Duration) (*TimeoutPropagator, error) {
	if d <= 0 {
		return nil, pipeline.ConfigError("timeout", "default timeout must be positive, got %s", d)
	}
	return &TimeoutPropagator{def: d}, nil
}

// Default returns the configured default timeout.
func (t *TimeoutPropagator) Default() time.Duration { return t.def }

func (t *TimeoutPropagator) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	if _, ok := sc.Timeout(); !ok {
		sc = sc.WithTimeout(t.def)
	}
	return next(ctx, req, sc)
}
