package domain

// ResponseMapper converts tool outcomes to the JSON-RPC envelope.
type ResponseMapper interface {
	// MapToToolResponse renders a value as MCP content blocks.
	MapToToolResponse(value interface{}) (*ToolResponse, error)

	// MapError converts any error to a JSON-RPC error object with a stable code.
	MapError(err error) *Error
}
