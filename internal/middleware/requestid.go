package middleware

import (
	"context"

	"github.com/google/uuid"

	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// RequestIDHeader carries the correlation id upstream.
const RequestIDHeader = "X-Request-Id"

// RequestID tags every call with a correlation id. An id already present in
// the scope or on the request is kept; otherwise a random UUID is generated.
// An id echoed on the response is replaced with the caller's own.
type RequestID struct {
	generate func() string
}

// NewRequestID returns a RequestID stage using random UUIDs.
func NewRequestID() *RequestID {
	return &RequestID{generate: uuid.NewString}
}

func (r *RequestID) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	id := sc.RequestID()
	if id == "" {
		id = req.HeaderValue(RequestIDHeader)
	}
	if id == "" {
		id = r.generate()
	}
	if req.HeaderValue(RequestIDHeader) != id {
		req = req.WithHeader(RequestIDHeader, id)
	}
	resp, err := next(ctx, req, sc.WithRequestID(id))
	if resp != nil && resp.HeaderValue(RequestIDHeader) != "" && resp.HeaderValue(RequestIDHeader) != id {
		resp = resp.WithHeader(RequestIDHeader, id)
	}
	return resp, err
}
