package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestErrorKindCodes tests that every kind has a stable name and code.
func TestErrorKindCodes(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		name string
		code int
	}{
		{KindProtocol, "ProtocolError", -32600},
		{KindUnknownTool, "UnknownTool", -32601},
		{KindInvalidArguments, "InvalidArguments", -32602},
		{KindInternal, "InternalError", -32603},
		{KindAuthenticationFailed, "AuthenticationFailed", -32002},
		{KindUpstreamRejected, "UpstreamRejected", -32003},
		{KindUpstreamUnavailable, "UpstreamUnavailable", -32004},
		{KindRateLimited, "RateLimited", -32005},
		{KindTimeout, "Timeout", -32006},
		{KindResourceNotFound, "ResourceNotFound", -32007},
	}

	codes := make(map[int]bool)
	for _, tt := range tests {
		if tt.kind.String() != tt.name {
			t.Errorf("Expected name %s, got %s", tt.name, tt.kind.String())
		}
		if tt.kind.Code() != tt.code {
			t.Errorf("Expected %s code %d, got %d", tt.name, tt.code, tt.kind.Code())
		}
		if codes[tt.code] {
			t.Errorf("Code %d used twice", tt.code)
		}
		codes[tt.code] = true
	}
}

// TestErrorKindRetryable tests which kinds a caller may retry.
func TestErrorKindRetryable(t *testing.T) {
	for _, k := range []ErrorKind{KindUpstreamUnavailable, KindRateLimited, KindTimeout} {
		if !k.Retryable() {
			t.Errorf("Expected %s to be retryable", k)
		}
	}
	for _, k := range []ErrorKind{KindInvalidArguments, KindResourceNotFound, KindAuthenticationFailed, KindUnknownTool} {
		if k.Retryable() {
			t.Errorf("Expected %s not to be retryable", k)
		}
	}
}

// TestKindOf tests classification of wrapped and foreign errors.
func TestKindOf(t *testing.T) {
	notFound := NewUpstreamStatusError(404, "Patient/x", "")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"tool error", notFound, KindResourceNotFound},
		{"wrapped tool error", fmt.Errorf("read failed: %w", notFound), KindResourceNotFound},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped cancel", fmt.Errorf("x: %w", context.Canceled), KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

// TestAsToolError tests conversion of foreign errors.
func TestAsToolError(t *testing.T) {
	if AsToolError(nil) != nil {
		t.Error("Expected nil for nil error")
	}

	te := AsToolError(context.DeadlineExceeded)
	if te.Kind != KindTimeout || !errors.Is(te, context.DeadlineExceeded) {
		t.Errorf("Expected Timeout wrapping the deadline, got %v", te)
	}

	original := InvalidArgument("id", "bad id")
	if AsToolError(fmt.Errorf("wrap: %w", original)) != original {
		t.Error("Expected existing ToolError to be preserved")
	}
	if original.Field != "id" || original.Error() != "bad id" {
		t.Errorf("Unexpected invalid argument error: %+v", original)
	}
}

// TestKindForStatus tests the upstream status mapping.
func TestKindForStatus(t *testing.T) {
	tests := map[int]ErrorKind{
		400: KindInvalidArguments,
		401: KindAuthenticationFailed,
		403: KindAuthenticationFailed,
		404: KindResourceNotFound,
		405: KindUpstreamRejected,
		409: KindUpstreamRejected,
		410: KindResourceNotFound,
		422: KindInvalidArguments,
		429: KindRateLimited,
		500: KindUpstreamUnavailable,
		502: KindUpstreamUnavailable,
		503: KindUpstreamUnavailable,
	}
	for status, want := range tests {
		if got := KindForStatus(status); got != want {
			t.Errorf("KindForStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

// TestIsTransientStatus tests which statuses are retried.
func TestIsTransientStatus(t *testing.T) {
	for _, s := range []int{429, 502, 503, 504} {
		if !IsTransientStatus(s) {
			t.Errorf("Expected %d to be transient", s)
		}
	}
	for _, s := range []int{400, 401, 404, 500, 501} {
		if IsTransientStatus(s) {
			t.Errorf("Expected %d not to be transient", s)
		}
	}
}

// TestNewUpstreamStatusError tests messages built from upstream replies.
func TestNewUpstreamStatusError(t *testing.T) {
	err := NewUpstreamStatusError(404, "Patient/does-not-exist", "HAPI-2001: Resource Patient/does-not-exist is not known")
	if err.Kind != KindResourceNotFound || err.StatusCode != 404 {
		t.Errorf("Unexpected error: %+v", err)
	}
	expected := "Patient/does-not-exist not found: HAPI-2001: Resource Patient/does-not-exist is not known"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	err = NewUpstreamStatusError(503, "Observation", "")
	if err.Error() != "upstream returned HTTP 503 for Observation" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}
