package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure so callers can decide between surfacing,
// retrying, or degrading.
type Kind string

const (
	// KindValidation marks bad caller input. Never retried.
	KindValidation Kind = "Validation"

	// KindRateLimited marks an admission denied by the local rate limiter.
	KindRateLimited Kind = "RateLimited"

	// KindRetryExhausted marks a remote that kept failing after every
	// retry attempt. Distinct from KindUpstreamRejected so callers can
	// tell "service down" from "bad request".
	KindRetryExhausted Kind = "RetryExhausted"

	// KindUpstreamRejected marks a non-retryable 4xx from the remote.
	KindUpstreamRejected Kind = "UpstreamRejected"

	// KindNotFound marks a 404 for an entity lookup.
	KindNotFound Kind = "NotFound"

	// KindCacheBackend marks a durable cache tier failure. It is logged
	// and degraded to a miss, never surfaced to callers.
	KindCacheBackend Kind = "CacheBackend"

	// KindCircuitOpen marks a request short-circuited by an open breaker.
	KindCircuitOpen Kind = "CircuitOpen"
)

// Sentinel errors for common failure scenarios.
var (
	ErrRateLimited = errors.New("heyberkshire: rate limited")
	ErrCircuitOpen = errors.New("heyberkshire: circuit open")
)

// Error is the structured error type for the outbound client layer.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error kinds for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	}
	return false
}

// NewError builds a structured error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a caller-input error.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsRateLimited reports whether err is a local admission denial.
func IsRateLimited(err error) bool { return kindOf(err) == KindRateLimited }

// IsRetryExhausted reports whether err exhausted the retry budget.
func IsRetryExhausted(err error) bool { return kindOf(err) == KindRetryExhausted }

// IsUpstreamRejected reports whether the remote returned a fatal 4xx.
func IsUpstreamRejected(err error) bool { return kindOf(err) == KindUpstreamRejected }

// IsNotFound reports whether the remote reported a missing entity.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// RetryAfterHint extracts the retry-after hint from an error, if present.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsTransient determines if an error represents a transient failure that
// might succeed on retry. Rate limiting and exhausted retries are transient
// from the caller's perspective; validation and rejected requests are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch kindOf(err) {
	case KindRateLimited, KindRetryExhausted, KindCircuitOpen:
		return true
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen)
}
