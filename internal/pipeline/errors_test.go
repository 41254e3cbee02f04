package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorIsMatchesKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		want     bool
	}{
		{"network", NetworkError("transport", errors.New("refused")), ErrNetwork, true},
		{"timeout is network", TimeoutError("transport", time.Second, context.DeadlineExceeded), ErrNetwork, true},
		{"protocol", ProtocolError("transport", errors.New("bad frame")), ErrProtocol, true},
		{"rate limit", RateLimitError("ratelimit", time.Second), ErrRateLimited, true},
		{"config", ConfigError("auth", "unknown scheme %q", "digest"), ErrConfiguration, true},
		{"wrapped", fmt.Errorf("send: %w", NetworkError("transport", nil)), ErrNetwork, true},
		{"kind mismatch", ProtocolError("transport", nil), ErrNetwork, false},
		{"plain error", errors.New("boom"), ErrNetwork, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.sentinel); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NetworkError("transport", cause)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if got, want := err.Error(), "transport: network failure: dial tcp: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", NetworkError("t", nil), true},
		{"timeout", TimeoutError("t", time.Second, nil), true},
		{"protocol", ProtocolError("t", nil), true},
		{"rate limit", RateLimitError("r", 0), true},
		{"configuration", ConfigError("a", "bad"), false},
		{"unclassified", errors.New("nil pointer"), false},
		{"canceled", context.Canceled, false},
		{"canceled inside network", NetworkError("t", context.Canceled), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTimeoutAndKindOf(t *testing.T) {
	if !IsTimeout(TimeoutError("t", time.Second, nil)) {
		t.Error("IsTimeout() = false for timeout error")
	}
	if IsTimeout(NetworkError("t", nil)) {
		t.Error("IsTimeout() = true for plain network error")
	}
	if KindOf(errors.New("x")) != KindUnknown {
		t.Error("KindOf() of plain error should be unknown")
	}
	if got := KindOf(RateLimitError("r", 0)).String(); got != "rate_limit" {
		t.Errorf("Kind.String() = %q, want rate_limit", got)
	}
}
