package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a tool invocation can surface.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindProtocol
	KindUnknownTool
	KindInvalidArguments
	KindAuthenticationFailed
	KindUpstreamRejected
	KindUpstreamUnavailable
	KindRateLimited
	KindTimeout
	KindResourceNotFound
)

// String returns the stable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "ProtocolError"
	case KindUnknownTool:
		return "UnknownTool"
	case KindInvalidArguments:
		return "InvalidArguments"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindUpstreamRejected:
		return "UpstreamRejected"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindRateLimited:
		return "RateLimited"
	case KindTimeout:
		return "Timeout"
	case KindResourceNotFound:
		return "ResourceNotFound"
	default:
		return "InternalError"
	}
}

// Code returns the JSON-RPC error code reported for the kind.
func (k ErrorKind) Code() int {
	switch k {
	case KindProtocol:
		return InvalidRequest
	case KindUnknownTool:
		return MethodNotFound
	case KindInvalidArguments:
		return InvalidParams
	case KindAuthenticationFailed:
		return AuthenticationError
	case KindUpstreamRejected:
		return UpstreamError
	case KindUpstreamUnavailable:
		return UnavailableError
	case KindRateLimited:
		return RateLimitError
	case KindTimeout:
		return TimeoutError
	case KindResourceNotFound:
		return NotFoundError
	default:
		return InternalError
	}
}

// Retryable reports whether a caller may reasonably retry the same call later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUpstreamUnavailable, KindRateLimited, KindTimeout:
		return true
	}
	return false
}

// ToolError is the typed error returned by handlers and the upstream client.
type ToolError struct {
	Kind       ErrorKind
	Message    string
	Field      string // offending argument for KindInvalidArguments
	StatusCode int    // upstream HTTP status, when one was received
	Err        error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError creates a ToolError with a formatted message.
func NewToolError(kind ErrorKind, format string, args ...interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapToolError creates a ToolError around an underlying cause.
func WrapToolError(kind ErrorKind, err error, format string, args ...interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// InvalidArgument creates a KindInvalidArguments error naming the field.
func InvalidArgument(field, format string, args ...interface{}) *ToolError {
	return &ToolError{
		Kind:    KindInvalidArguments,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf classifies an arbitrary error. Context errors map to KindTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// AsToolError converts any error into a ToolError, preserving an existing one.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	kind := KindOf(err)
	if kind == KindTimeout {
		return WrapToolError(KindTimeout, err, "deadline exceeded")
	}
	return WrapToolError(KindInternal, err, "")
}
