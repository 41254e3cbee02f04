package middleware

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the clock instead of waiting.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newRequest(t *testing.T, method, uri string) *model.Request {
	t.Helper()
	req, err := model.NewRequest(method, uri, nil)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	return req
}

func okHandler(body string) pipeline.Handler {
	return func(ctx context.Context, req *model.Request, sc pipeline.Scope) (*model.Response, error) {
		return model.NewBufferedResponse(http.StatusOK, nil, []byte(body)), nil
	}
}

// countingHandler counts invocations and delegates to h.
type countingHandler struct {
	mu    sync.Mutex
	calls int
	h     pipeline.Handler
}

func (c *countingHandler) Handle(ctx context.Context, req *model.Request, sc pipeline.Scope) (*model.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.h(ctx, req, sc)
}

func (c *countingHandler) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
