package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fhir-mcp-server/internal/domain"
	"fhir-mcp-server/internal/logger"
)

// auditTimeout bounds one audit write. It runs after the request deadline.
const auditTimeout = 2 * time.Second

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	RequestTimeout time.Duration
	// Audit is optional; failures to record are logged and never surfaced.
	Audit  domain.AuditRecorder
	Logger *slog.Logger
}

// Dispatcher routes a tools/call to its handler. Arguments are validated
// before any handler runs, so malformed calls never reach the upstream.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	audit    domain.AuditRecorder
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over a registry.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = domain.DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.ForComponent("dispatcher")
	}
	return &Dispatcher{
		registry: registry,
		timeout:  opts.RequestTimeout,
		audit:    opts.Audit,
		logger:   opts.Logger,
	}
}

// Invoke runs one tool invocation. The result carries either a value or an
// error, never both.
func (d *Dispatcher) Invoke(ctx context.Context, req *domain.ToolInvocationRequest) *domain.ToolInvocationResult {
	start := time.Now()
	inv := invocation{
		correlationID: uuid.NewString(),
		tool:          req.ToolName,
	}
	if req.RequestID != nil {
		inv.requestID = req.RequestID.String()
	}

	result := d.invoke(ctx, req, &inv)
	if err := result.Validate(); err != nil {
		result = domain.Failed(req.RequestID, domain.WrapToolError(domain.KindInternal, err, "handler returned an inconsistent result"))
	}

	d.finish(ctx, inv, result, time.Since(start))
	return result
}

type invocation struct {
	correlationID string
	requestID     string
	tool          string
	subject       string
}

func (d *Dispatcher) invoke(ctx context.Context, req *domain.ToolInvocationRequest, inv *invocation) (result *domain.ToolInvocationResult) {
	tool, ok := d.registry.Lookup(req.ToolName)
	if !ok {
		return domain.Failed(req.RequestID, domain.NewToolError(domain.KindUnknownTool, "unknown tool: %s", req.ToolName))
	}

	args, err := tool.Schema.Validate(req.Arguments)
	if err != nil {
		return domain.Failed(req.RequestID, err)
	}
	if tool.Subject != nil {
		inv.subject = tool.Subject(args)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Tool handler panicked", "tool", req.ToolName, "panic", r)
			result = domain.Failed(req.RequestID, domain.NewToolError(domain.KindInternal, "tool %s failed: %v", req.ToolName, fmt.Sprint(r)))
		}
	}()

	value, err := tool.Handler.Execute(ctx, args)
	if err != nil {
		return domain.Failed(req.RequestID, err)
	}
	return domain.Succeeded(req.RequestID, value)
}

// partialer is implemented by results that can be incomplete.
type partialer interface {
	PartialCount() int
}

func (d *Dispatcher) finish(ctx context.Context, inv invocation, result *domain.ToolInvocationResult, elapsed time.Duration) {
	entry := domain.AuditEntry{
		CorrelationID: inv.correlationID,
		RequestID:     inv.requestID,
		Tool:          inv.tool,
		Subject:       inv.subject,
		Outcome:       domain.OutcomeOK,
		Duration:      elapsed,
		At:            time.Now().UTC(),
	}
	if result.Err != nil {
		entry.Outcome = domain.OutcomeError
		entry.ErrorKind = result.Err.Kind.String()
	} else if p, ok := result.Value.(partialer); ok && p.PartialCount() > 0 {
		entry.Outcome = domain.OutcomePartial
	}

	attrs := []any{
		"correlation_id", entry.CorrelationID,
		"request_id", entry.RequestID,
		"tool", entry.Tool,
		"duration_ms", elapsed.Milliseconds(),
		"outcome", entry.Outcome,
	}
	if result.Err != nil {
		attrs = append(attrs, "error_kind", entry.ErrorKind, "error", result.Err.Error())
		d.logger.Warn("Tool call failed", attrs...)
	} else {
		d.logger.Info("Tool call completed", attrs...)
	}

	if d.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := d.audit.Record(actx, entry); err != nil {
		d.logger.Error("Failed to record audit entry", "correlation_id", entry.CorrelationID, "error", err)
	}
}
