package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DefaultResponseMapper is the default implementation of ResponseMapper.
type DefaultResponseMapper struct{}

// NewResponseMapper creates a new instance of DefaultResponseMapper.
func NewResponseMapper() ResponseMapper {
	return &DefaultResponseMapper{}
}

// MapToToolResponse renders a tool value as MCP content blocks.
// The first block is the JSON payload; search bundles get a second block
// describing how many entries were returned.
func (m *DefaultResponseMapper) MapToToolResponse(value interface{}) (*ToolResponse, error) {
	if value == nil {
		return TextResponse("{}"), nil
	}

	jsonBytes, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}

	resp := TextResponse(string(jsonBytes))
	if info := extractPaginationInfo(value); info != "" {
		resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: info})
	}
	return resp, nil
}

// extractPaginationInfo summarises searchset bundles.
func extractPaginationInfo(value interface{}) string {
	b, ok := value.(*Bundle)
	if !ok || b.Type != "searchset" {
		return ""
	}
	if b.Total != nil {
		return fmt.Sprintf("\nShowing %d of %d matching resources", len(b.Entry), *b.Total)
	}
	return fmt.Sprintf("\nShowing %d matching resources", len(b.Entry))
}

// MapError converts any error to a JSON-RPC error object.
// The message is prefixed with the kind name so callers can tell a bad call
// from a transient upstream problem from a missing record. No data member is
// attached; the envelope carries only code and message.
func (m *DefaultResponseMapper) MapError(err error) *Error {
	if err == nil {
		return nil
	}

	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}

	te := AsToolError(err)
	msg := te.Error()
	prefix := te.Kind.String()
	if msg == "" {
		msg = prefix
	} else if !strings.HasPrefix(msg, prefix) {
		msg = prefix + ": " + msg
	}

	return &Error{
		Code:    te.Kind.Code(),
		Message: msg,
	}
}

// KindForStatus maps a non-2xx upstream HTTP status to an error kind.
func KindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthenticationFailed
	case http.StatusNotFound, http.StatusGone:
		return KindResourceNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindInvalidArguments
	case http.StatusTooManyRequests:
		return KindRateLimited
	}
	switch {
	case status >= 500:
		return KindUpstreamUnavailable
	case status >= 400:
		return KindUpstreamRejected
	default:
		return KindInternal
	}
}

// IsTransientStatus reports whether an upstream status is worth retrying.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NewUpstreamStatusError builds the error for a non-2xx upstream reply.
// diagnostics is the OperationOutcome text, if the body carried one.
func NewUpstreamStatusError(status int, target, diagnostics string) *ToolError {
	kind := KindForStatus(status)
	var msg string
	switch kind {
	case KindResourceNotFound:
		msg = fmt.Sprintf("%s not found", target)
	case KindAuthenticationFailed:
		msg = fmt.Sprintf("upstream refused credentials for %s (HTTP %d)", target, status)
	case KindRateLimited:
		msg = fmt.Sprintf("upstream rate limit exceeded for %s", target)
	default:
		msg = fmt.Sprintf("upstream returned HTTP %d for %s", status, target)
	}
	if diagnostics != "" {
		msg += ": " + diagnostics
	}
	return &ToolError{Kind: kind, Message: msg, StatusCode: status}
}
