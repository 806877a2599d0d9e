package domain

import (
	"encoding/json"

	"github.com/sourcegraph/jsonrpc2"
)

// Version is the only JSON-RPC protocol version accepted on the wire.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request message.
// A request without an id is a notification and receives no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"` // Must be "2.0"
	ID      *jsonrpc2.ID    `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response message.
// Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string       `json:"jsonrpc"` // Must be "2.0"
	ID      *jsonrpc2.ID `json:"id"`
	Result  interface{}  `json:"result,omitempty"`
	Error   *Error       `json:"error,omitempty"`
}

// NewResultResponse builds a success response for the given request id.
func NewResultResponse(id *jsonrpc2.ID, result interface{}) *Response {
	if result == nil {
		result = struct{}{}
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id *jsonrpc2.ID, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	return e.Message
}

// JSON-RPC 2.0 error codes
const (
	// Standard JSON-RPC 2.0 error codes
	ParseError     = int(jsonrpc2.CodeParseError)     // Invalid JSON received
	InvalidRequest = int(jsonrpc2.CodeInvalidRequest) // Invalid JSON-RPC request structure
	MethodNotFound = int(jsonrpc2.CodeMethodNotFound) // Unknown method or tool
	InvalidParams  = int(jsonrpc2.CodeInvalidParams)  // Invalid tool arguments
	InternalError  = int(jsonrpc2.CodeInternalError)  // Server internal error

	// Application-specific error codes
	ConfigurationError  = -32001 // Configuration validation failed
	AuthenticationError = -32002 // Upstream rejected our credentials
	UpstreamError       = -32003 // Upstream rejected the request (non-retryable 4xx)
	UnavailableError    = -32004 // Upstream unreachable or 5xx after retries
	RateLimitError      = -32005 // Upstream rate limit exceeded
	TimeoutError        = -32006 // Deadline exceeded
	NotFoundError       = -32007 // Upstream has no such resource
)
