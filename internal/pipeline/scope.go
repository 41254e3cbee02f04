package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Scope is the immutable per-call option bag that travels alongside a request
// through the chain. Every With* method returns a new Scope; the receiver is
// never modified. Scope values are comparable with ==, so two scopes derived
// the same way are equal.
type Scope struct {
	timeout    time.Duration
	hasTimeout bool
	retryCount int
	hasRetry   bool
	requestID  string
}

// NewScope returns an empty scope.
func NewScope() Scope { return Scope{} }

// WithTimeout returns a copy carrying timeout d. A non-positive d removes
// the timeout.
func (s Scope) WithTimeout(d time.Duration) Scope {
	if d <= 0 {
		s.timeout, s.hasTimeout = 0, false
		return s
	}
	s.timeout, s.hasTimeout = d, true
	return s
}

// WithTimeoutSeconds is WithTimeout for fractional seconds.
func (s Scope) WithTimeoutSeconds(seconds float64) Scope {
	return s.WithTimeout(time.Duration(seconds * float64(time.Second)))
}

// Timeout returns the scoped timeout and whether one is set.
func (s Scope) Timeout() (time.Duration, bool) { return s.timeout, s.hasTimeout }

// WithRetryCount returns a copy recording the current retry attempt.
// Negative values are clamped to zero.
func (s Scope) WithRetryCount(n int) Scope {
	if n < 0 {
		n = 0
	}
	s.retryCount, s.hasRetry = n, true
	return s
}

// RetryCount returns the retry attempt and whether one has been recorded.
func (s Scope) RetryCount() (int, bool) { return s.retryCount, s.hasRetry }

// WithRequestID returns a copy carrying the correlation id for the call.
func (s Scope) WithRequestID(id string) Scope {
	s.requestID = id
	return s
}

// RequestID returns the correlation id, or "" if none was assigned.
func (s Scope) RequestID() string { return s.requestID }

func (s Scope) String() string {
	var parts []string
	if s.hasTimeout {
		parts = append(parts, fmt.Sprintf("timeout=%s", s.timeout))
	}
	if s.hasRetry {
		parts = append(parts, fmt.Sprintf("retryCount=%d", s.retryCount))
	}
	if s.requestID != "" {
		parts = append(parts, fmt.Sprintf("requestID=%s", s.requestID))
	}
	return "Scope{" + strings.Join(parts, " ") + "}"
}
