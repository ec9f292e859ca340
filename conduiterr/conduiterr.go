// Package conduiterr defines the single error taxonomy used across the
// gateway. Every failure that crosses a component boundary is classified
// into exactly one Kind; the router uses the kind to decide whether a
// failure is retriable and the HTTP layer uses it to pick a status code.
package conduiterr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable classification tag carried by every gateway error.
type Kind string

// The full set of error kinds. Adapters must emit exactly one of these for
// every failure.
const (
	Configuration    Kind = "configuration"
	Validation       Kind = "validation"
	Authentication   Kind = "authentication"
	RateLimited      Kind = "rate_limited"
	ModelUnavailable Kind = "model_unavailable"
	Upstream         Kind = "upstream"
	Timeout          Kind = "timeout"
	Cancelled        Kind = "cancelled"
	Unsupported      Kind = "unsupported"
	Communication    Kind = "communication"
)

// Error is the typed error surfaced by adapters, the router, and the
// dispatcher. Upstream holds the (credential-sanitized) upstream body when
// one was available.
type Error struct {
	Kind     Kind
	Message  string
	Upstream string
	// RetryAfterSeconds is set from a 429 Retry-After header when present.
	RetryAfterSeconds int
	err               error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a typed error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error under kind. Context cancellation and
// deadline errors override kind so cancellation is never mis-reported.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if errors.Is(err, context.Canceled) {
		kind = Cancelled
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// WithUpstream attaches a sanitized upstream response body.
func (e *Error) WithUpstream(body string) *Error {
	e.Upstream = body
	return e
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report Communication; context errors report Cancelled/Timeout.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Communication
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Retryable reports whether the router may retry a failure of this kind on
// an alternative mapping.
func Retryable(kind Kind) bool {
	switch kind {
	case RateLimited, Upstream, Timeout, Communication:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code surfaced on the data plane.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Configuration:
		return http.StatusInternalServerError
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case ModelUnavailable:
		return http.StatusNotFound
	case Upstream, Communication:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499 // client closed request (nginx convention)
	case Unsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

// FromStatus classifies an upstream HTTP status code.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Authentication
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusNotFound:
		return ModelUnavailable
	case status >= 500:
		return Upstream
	case status >= 400:
		return Validation
	default:
		return Communication
	}
}
