package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"outbound-relay-go/internal/model"
	"outbound-relay-go/internal/pipeline"
)

// Sink receives one formatted log line.
type Sink func(line string)

// SlogSink writes lines to logger at level.
func SlogSink(logger *slog.Logger, level slog.Level) Sink {
	return func(line string) {
		logger.Log(context.Background(), level, line)
	}
}

// RequestLogger writes a line before each call and one after it completes.
// It never alters the request, the response or the error.
type RequestLogger struct {
	sink  Sink
	since func(time.Time) time.Duration
}

// NewRequestLogger returns a logger writing to sink.
func NewRequestLogger(sink Sink) (*RequestLogger, error) {
	if sink == nil {
		return nil, pipeline.ConfigError("logger", "nil sink")
	}
	return &RequestLogger{sink: sink, since: time.Since}, nil
}

func (l *RequestLogger) Process(ctx context.Context, req *model.Request, sc pipeline.Scope, next pipeline.Handler) (*model.Response, error) {
	start := time.Now()
	l.sink(fmt.Sprintf("HTTP Request: %s %s", req.Method(), req.URIString()))

	resp, err := next(ctx, req, sc)
	ms := float64(l.since(start)) / float64(time.Millisecond)
	if err != nil {
		l.sink(fmt.Sprintf("HTTP Error: %s (%.2f ms)", err.Error(), ms))
		return resp, err
	}
	l.sink(fmt.Sprintf("HTTP Response: %d %s (%.2f ms)", resp.StatusCode(), resp.Reason(), ms))
	return resp, nil
}
