// Package pipeline is the middleware composition engine: the per-call Scope,
// the Middleware and Transport contracts, the ordered Chain and the error
// taxonomy shared by every stage.
package pipeline

import (
	"context"
	"sync/atomic"

	"outbound-relay-go/internal/model"
)

// Handler processes a request and returns the response or a classified error.
type Handler func(ctx context.Context, req *model.Request, sc Scope) (*model.Response, error)

// Middleware intercepts a call. Implementations may transform the request or
// scope before invoking next, short-circuit by not invoking it, or inspect
// the result on the way back up.
type Middleware interface {
	Process(ctx context.Context, req *model.Request, sc Scope, next Handler) (*model.Response, error)
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(ctx context.Context, req *model.Request, sc Scope, next Handler) (*model.Response, error)

func (f MiddlewareFunc) Process(ctx context.Context, req *model.Request, sc Scope, next Handler) (*model.Response, error) {
	return f(ctx, req, sc, next)
}

// Transport performs the network exchange at the bottom of the chain. It
// fails with ErrNetwork or ErrProtocol class errors and must abort the call
// once the scoped timeout elapses.
type Transport interface {
	Send(ctx context.Context, req *model.Request, sc Scope) (*model.Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *model.Request, sc Scope) (*model.Response, error)

func (f TransportFunc) Send(ctx context.Context, req *model.Request, sc Scope) (*model.Response, error) {
	return f(ctx, req, sc)
}

// Chain is an ordered list of middlewares. The first added is outermost: it
// runs first on the way down and last on the way up.
//
// Add must complete before the first Handle; after that the list is read-only
// and safe for any number of concurrent traversals.
type Chain struct {
	middlewares []Middleware
	sealed      atomic.Bool
}

// NewChain builds a chain from mws in order.
func NewChain(mws ...Middleware) (*Chain, error) {
	c := &Chain{}
	for _, mw := range mws {
		if err := c.Add(mw); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends mw as the innermost middleware so far.
func (c *Chain) Add(mw Middleware) error {
	if c.sealed.Load() {
		return ErrChainSealed
	}
	if mw == nil {
		return ConfigError("chain", "nil middleware")
	}
	c.middlewares = append(c.middlewares, mw)
	return nil
}

// Len returns the number of middlewares.
func (c *Chain) Len() int { return len(c.middlewares) }

// Handle runs req through every middleware and finally terminal.
func (c *Chain) Handle(ctx context.Context, req *model.Request, sc Scope, terminal Handler) (*model.Response, error) {
	if terminal == nil {
		return nil, ConfigError("chain", "nil terminal handler")
	}
	c.sealed.Store(true)
	d := dispatcher{middlewares: c.middlewares, terminal: terminal}
	return d.at(0)(ctx, req, sc)
}

type dispatcher struct {
	middlewares []Middleware
	terminal    Handler
}

// at returns the continuation that runs middleware i with next bound to i+1.
func (d dispatcher) at(i int) Handler {
	if i >= len(d.middlewares) {
		return d.terminal
	}
	mw := d.middlewares[i]
	return func(ctx context.Context, req *model.Request, sc Scope) (*model.Response, error) {
		return mw.Process(ctx, req, sc, d.at(i+1))
	}
}
