package middleware

import (
	"context"
	"time"

	"outbound-relay-go/internal/metrics"
	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// Metrics records one observation per call through the pipeline: the outcome
// class, the end-to-end latency and the final upstream status.
type Metrics struct {
	m *metrics.Metrics
}

// NewMetrics returns a stage recording into m.
func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{m: m}
}

func (mw *Metrics) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	start := time.Now()
	resp, err := next(ctx, req, sc)

	method := metrics.NormalizeMethod(req.Method())
	mw.m.OutboundDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	mw.m.OutboundRequests.WithLabelValues(method, outcome(err)).Inc()
	if err == nil {
		mw.m.ObserveUpstream(req.Method(), resp.StatusCode())
	}
	return resp, err
}

// outcome maps an error to a bounded label value.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if pipeline.IsTimeout(err) {
		return "timeout"
	}
	if k := pipeline.KindOf(err); k != pipeline.KindUnknown {
		return k.String()
	}
	return "error"
}
