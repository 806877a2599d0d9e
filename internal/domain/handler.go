package domain

import (
	"context"
)

// ToolHandler executes one tool against already validated arguments.
// Implementations must honour ctx cancellation and return a *ToolError
// (or an error KindOf can classify) on failure.
type ToolHandler interface {
	Execute(ctx context.Context, args Arguments) (interface{}, error)
}

// ToolHandlerFunc adapts a plain function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, args Arguments) (interface{}, error)

// Execute calls f(ctx, args).
func (f ToolHandlerFunc) Execute(ctx context.Context, args Arguments) (interface{}, error) {
	return f(ctx, args)
}

// CapabilityProvider hands out the current capability snapshot.
// stale is true when the snapshot is past its TTL because a refresh failed.
type CapabilityProvider interface {
	GetCapabilities(ctx context.Context) (snap *CapabilitySnapshot, stale bool, err error)
}

// AuditRecorder persists one row per tool invocation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}
