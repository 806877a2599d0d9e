package domain

import (
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// ProtocolVersion is the MCP protocol revision announced by initialize.
const ProtocolVersion = "2024-11-05"

// ToolDefinition represents an MCP tool descriptor.
// This is what tools/list and get_tool_config hand to an agent runtime.
type ToolDefinition struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	InputSchema JSONSchema `json:"inputSchema"`
	ResultShape string     `json:"resultShape,omitempty"`
}

// JSONSchema represents the object schema of a tool's arguments.
type JSONSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

// SchemaProperty describes a single argument in a JSONSchema.
type SchemaProperty struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Minimum     *int        `json:"minimum,omitempty"`
	Maximum     *int        `json:"maximum,omitempty"`
}

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolInvocationRequest is one decoded tools/call, consumed once by dispatch.
type ToolInvocationRequest struct {
	RequestID *jsonrpc2.ID
	ToolName  string
	Arguments map[string]interface{}
}

// ParseToolInvocation decodes tools/call params into a ToolInvocationRequest.
// Structural problems are protocol errors and never reach a handler.
func ParseToolInvocation(id *jsonrpc2.ID, params json.RawMessage) (*ToolInvocationRequest, error) {
	if len(params) == 0 || string(params) == "null" {
		return nil, NewToolError(KindProtocol, "params is required for tools/call")
	}

	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, WrapToolError(KindProtocol, err, "params must be an object with name and arguments")
	}
	if p.Name == "" {
		return nil, NewToolError(KindProtocol, "params.name is required")
	}

	args := make(map[string]interface{})
	if len(p.Arguments) > 0 && string(p.Arguments) != "null" {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, NewToolError(KindProtocol, "params.arguments must be an object")
		}
		if args == nil {
			args = make(map[string]interface{})
		}
	}

	return &ToolInvocationRequest{RequestID: id, ToolName: p.Name, Arguments: args}, nil
}

// ToolInvocationResult carries either a value or an error, never both.
type ToolInvocationResult struct {
	RequestID *jsonrpc2.ID
	Value     interface{}
	Err       *ToolError
}

// Succeeded builds a successful result.
func Succeeded(id *jsonrpc2.ID, value interface{}) *ToolInvocationResult {
	return &ToolInvocationResult{RequestID: id, Value: value}
}

// Failed builds a failed result.
func Failed(id *jsonrpc2.ID, err error) *ToolInvocationResult {
	return &ToolInvocationResult{RequestID: id, Err: AsToolError(err)}
}

// Validate checks the error XOR value invariant.
func (r *ToolInvocationResult) Validate() error {
	if r.Err != nil && r.Value != nil {
		return fmt.Errorf("result carries both a value and an error")
	}
	return nil
}

// ToolResponse is the MCP content-block rendering of a result,
// used when a caller asks for format "mcp".
type ToolResponse struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock represents a piece of content in the response.
type ContentBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

// TextResponse wraps plain text into a single-block ToolResponse.
func TextResponse(text string) *ToolResponse {
	return &ToolResponse{Content: []ContentBlock{{Type: "text", Text: text}}}
}
