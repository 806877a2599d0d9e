package application

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"fhir-mcp-server/internal/domain"
	"fhir-mcp-server/internal/logger"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Info       ServerInfo
	Registry   *Registry
	Dispatcher *Dispatcher
	Mapper     domain.ResponseMapper
	// Client is used for the upstream base url in /health and /info.
	Client    domain.UpstreamClient
	Transport string
	Logger    *slog.Logger
}

// Server implements the MCP protocol methods on top of the tool dispatcher.
// It is transport-agnostic: both HTTP and stdio feed it decoded requests.
type Server struct {
	opts      ServerOptions
	catalog   []domain.ToolDefinition
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates a new MCP server.
func NewServer(opts ServerOptions) *Server {
	if opts.Mapper == nil {
		opts.Mapper = domain.NewResponseMapper()
	}
	if opts.Logger == nil {
		opts.Logger = logger.ForComponent("server")
	}
	return &Server{
		opts:      opts,
		catalog:   ExportToolConfig(opts.Registry),
		logger:    opts.Logger,
		startedAt: time.Now().UTC(),
	}
}

// HandleRequest implements domain.RequestHandler. It returns nil for
// notifications.
func (s *Server) HandleRequest(ctx context.Context, req *domain.Request) *domain.Response {
	s.logger.Debug("Received request", "method", req.Method, "notification", req.IsNotification())

	var resp *domain.Response
	switch req.Method {
	case "initialize":
		resp = s.handleInitialize(req)
	case "ping":
		resp = domain.NewResultResponse(req.ID, nil)
	case "tools/list":
		resp = domain.NewResultResponse(req.ID, map[string]interface{}{"tools": s.catalog})
	case "tools/call":
		resp = s.handleToolsCall(ctx, req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	default:
		resp = domain.NewErrorResponse(req.ID, &domain.Error{
			Code:    domain.MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	if req.IsNotification() {
		return nil
	}
	return resp
}

// handleInitialize answers the MCP handshake.
func (s *Server) handleInitialize(req *domain.Request) *domain.Response {
	return domain.NewResultResponse(req.ID, map[string]interface{}{
		"protocolVersion": domain.ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": s.opts.Info,
	})
}

// handleToolsCall executes a tool. Successful results are returned as is;
// failures become JSON-RPC errors through the response mapper.
func (s *Server) handleToolsCall(ctx context.Context, req *domain.Request) *domain.Response {
	inv, err := domain.ParseToolInvocation(req.ID, req.Params)
	if err != nil {
		return domain.NewErrorResponse(req.ID, s.opts.Mapper.MapError(err))
	}

	result := s.opts.Dispatcher.Invoke(ctx, inv)
	if result.Err != nil {
		return domain.NewErrorResponse(req.ID, s.opts.Mapper.MapError(result.Err))
	}
	return domain.NewResultResponse(req.ID, result.Value)
}

// Routes returns the auxiliary HTTP endpoints.
func (s *Server) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"GET /health": http.HandlerFunc(s.handleHealth),
		"GET /info":   http.HandlerFunc(s.handleInfo),
	}
}

func (s *Server) baseURL() string {
	if s.opts.Client == nil {
		return ""
	}
	return s.opts.Client.BaseURL()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	domain.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  s.opts.Info.Name,
		"version":  s.opts.Info.Version,
		"fhir_url": s.baseURL(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.catalog))
	for _, t := range s.catalog {
		names = append(names, t.Name)
	}
	domain.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service":          s.opts.Info.Name,
		"version":          s.opts.Info.Version,
		"status":           "running",
		"protocol_version": domain.ProtocolVersion,
		"transport":        s.opts.Transport,
		"fhir_url":         s.baseURL(),
		"tools":            names,
		"endpoints": map[string]string{
			"rpc":    "POST /rpc",
			"mcp":    "POST /mcp",
			"health": "GET /health",
			"info":   "GET /info",
		},
		"build": map[string]interface{}{
			"go_version": runtime.Version(),
			"started_at": s.startedAt.Format(time.RFC3339),
		},
	})
}

// Dependencies are the infrastructure pieces a Service is assembled from.
type Dependencies struct {
	Client       domain.UpstreamClient
	Capabilities domain.CapabilityProvider
	Audit        domain.AuditRecorder
	Info         ServerInfo
	Logger       *slog.Logger
}

// NewService wires the policy, aggregator, registry, dispatcher and server
// from configuration.
func NewService(cfg *domain.Config, deps Dependencies) (*Server, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	policy, err := NewResourcePolicy(cfg.Search.AllowedResourceTypes)
	if err != nil {
		return nil, err
	}

	aggregator := NewAggregator(deps.Client, deps.Capabilities, AggregatorOptions{
		Workers:                 cfg.Aggregation.Workers,
		BranchTimeout:           cfg.Aggregation.BranchTimeout.Std(),
		ObservationCount:        cfg.Aggregation.ObservationCount,
		EncounterCount:          cfg.Aggregation.EncounterCount,
		FailWhenAllBranchesFail: cfg.Aggregation.FailWhenAllBranchesFail,
		Logger:                  log.With("component", "aggregator"),
	})

	registry, err := NewToolRegistry(ToolDeps{
		Client:       deps.Client,
		Capabilities: deps.Capabilities,
		Aggregator:   aggregator,
		Policy:       policy,
		Search:       cfg.Search,
		Info:         deps.Info,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := NewDispatcher(registry, DispatcherOptions{
		RequestTimeout: cfg.Server.RequestTimeout.Std(),
		Audit:          deps.Audit,
		Logger:         log.With("component", "dispatcher"),
	})

	return NewServer(ServerOptions{
		Info:       deps.Info,
		Registry:   registry,
		Dispatcher: dispatcher,
		Client:     deps.Client,
		Transport:  cfg.Server.Transport,
		Logger:     log.With("component", "server"),
	}), nil
}
