package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindNetwork
	KindProtocol
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Sentinel errors for errors.Is matching. Any *Error matches the sentinel of
// its Kind.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration, Message: "invalid configuration"}
	ErrNetwork       = &Error{Kind: KindNetwork, Message: "network failure"}
	ErrProtocol      = &Error{Kind: KindProtocol, Message: "protocol failure"}
	ErrRateLimited   = &Error{Kind: KindRateLimit, Message: "rate limit exceeded"}

	// ErrChainSealed is returned by Chain.Add once the chain has been traversed.
	ErrChainSealed = errors.New("middleware chain is sealed")
)

// Error is a classified pipeline failure.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Op names the component that raised the error.
	Op string

	// Message is a short human readable description.
	Message string

	// Timeout is set on network errors caused by an elapsed deadline.
	Timeout bool

	// RetryAfter is the wait hint attached to rate limit errors.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ConfigError reports invalid setup detected at construction time.
func ConfigError(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NetworkError wraps a connectivity failure.
func NetworkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Message: "network failure", Err: err}
}

// TimeoutError wraps a network failure caused by an elapsed deadline.
func TimeoutError(op string, timeout time.Duration, err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Op:      op,
		Message: fmt.Sprintf("timed out after %s", timeout),
		Timeout: true,
		Err:     err,
	}
}

// ProtocolError wraps a malformed exchange.
func ProtocolError(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: "protocol failure", Err: err}
}

// RateLimitError reports that no token was available.
func RateLimitError(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Op: op, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a deadline-caused network error.
func IsTimeout(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindNetwork && pe.Timeout
}

// Retryable reports whether err belongs to a transient class. Only network,
// protocol and rate limit failures qualify; unclassified errors and caller
// cancellation do not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindProtocol, KindRateLimit:
		return true
	default:
		return false
	}
}
