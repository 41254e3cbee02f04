package middleware

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

const instrumentationName = "outbound-relay-go/internal/middleware"

// Tracing opens a client span per call and injects the trace context into
// the outgoing headers. For a streamed response the span ends when the body
// is closed, so it covers the transfer.
type Tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracing builds the stage. A nil provider or propagator falls back to the
// otel globals.
func NewTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) *Tracing {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	return &Tracing{
		tracer:     tp.Tracer(instrumentationName),
		propagator: prop,
	}
}

func (t *Tracing) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	u := req.URI()
	ctx, span := t.tracer.Start(ctx, "HTTP "+req.Method(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method()),
			attribute.String("server.address", u.Hostname()),
			attribute.String("url.full", u.Redacted()),
		),
	)
	if id := sc.RequestID(); id != "" {
		span.SetAttributes(attribute.String("relay.request_id", id))
	}

	carrier := propagation.HeaderCarrier(req.Header())
	t.propagator.Inject(ctx, carrier)
	for _, key := range t.propagator.Fields() {
		if v := carrier.Get(key); v != "" {
			req = req.WithHeader(key, v)
		}
	}

	resp, err := next(ctx, req, sc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.type", outcome(err)))
		span.End()
		return resp, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode()))
	if resp.StatusCode() >= 500 {
		span.SetStatus(codes.Error, resp.Reason())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if resp.IsBuffered() {
		span.End()
		return resp, nil
	}
	return resp.WithStream(&spanBody{ReadCloser: resp.Body(), span: span}), nil
}

// spanBody ends its span on the first Close.
type spanBody struct {
	io.ReadCloser
	span trace.Span
	once sync.Once
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.span.End() })
	return err
}
