package conduiterr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error", New(RateLimited, "slow down"), RateLimited},
		{"wrapped typed error", fmt.Errorf("outer: %w", New(Upstream, "boom")), Upstream},
		{"context canceled", context.Canceled, Cancelled},
		{"deadline exceeded", context.DeadlineExceeded, Timeout},
		{"plain error", errors.New("dial tcp: refused"), Communication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapOverridesKindOnContextErrors(t *testing.T) {
	err := Wrap(Upstream, context.Canceled, "call failed")
	if err.Kind != Cancelled {
		t.Errorf("Kind = %v, want %v", err.Kind, Cancelled)
	}
	err = Wrap(Communication, context.DeadlineExceeded, "call failed")
	if err.Kind != Timeout {
		t.Errorf("Kind = %v, want %v", err.Kind, Timeout)
	}
}

func TestRetryable(t *testing.T) {
	retriable := []Kind{RateLimited, Upstream, Timeout, Communication}
	for _, k := range retriable {
		if !Retryable(k) {
			t.Errorf("Retryable(%v) = false, want true", k)
		}
	}
	terminal := []Kind{Configuration, Validation, Authentication, ModelUnavailable, Cancelled, Unsupported}
	for _, k := range terminal {
		if Retryable(k) {
			t.Errorf("Retryable(%v) = true, want false", k)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Configuration, http.StatusInternalServerError},
		{Validation, http.StatusBadRequest},
		{Authentication, http.StatusUnauthorized},
		{RateLimited, http.StatusTooManyRequests},
		{ModelUnavailable, http.StatusNotFound},
		{Upstream, http.StatusBadGateway},
		{Timeout, http.StatusGatewayTimeout},
		{Cancelled, 499},
		{Unsupported, http.StatusNotImplemented},
		{Communication, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, Authentication},
		{403, Authentication},
		{429, RateLimited},
		{404, ModelUnavailable},
		{500, Upstream},
		{503, Upstream},
		{400, Validation},
		{422, Validation},
	}
	for _, tt := range tests {
		if got := FromStatus(tt.status); got != tt.want {
			t.Errorf("FromStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := Wrap(Upstream, inner, "outer")
	if !errors.Is(err, inner) {
		t.Error("expected wrapped error to match errors.Is")
	}
}
