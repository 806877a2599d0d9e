package application

import (
	"context"

	"fhir-mcp-server/internal/domain"
)

// ToolUseFHIR is the only tool-use profile this server publishes.
const ToolUseFHIR = "fhir"

// clinicalCapabilities lists what the fhir tool-use profile covers.
var clinicalCapabilities = []string{
	"patient_assessment",
	"encounter_analysis",
	"observation_retrieval",
	"medication_review",
	"condition_monitoring",
	"vital_signs_analysis",
	"clinical_summary_generation",
}

// ServerInfo identifies this server to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDeps are the collaborators the tool handlers need.
type ToolDeps struct {
	Client       domain.UpstreamClient
	Capabilities domain.CapabilityProvider
	Aggregator   *Aggregator
	Policy       *ResourcePolicy
	Search       domain.SearchConfig
	Info         ServerInfo
	// Mapper renders the JSON blocks of format "mcp"; nil uses the default.
	Mapper domain.ResponseMapper
}

// CapabilitiesResult is the get_capabilities payload.
type CapabilitiesResult struct {
	*domain.CapabilitySnapshot
	Stale   bool   `json:"stale"`
	BaseURL string `json:"base_url"`
}

// ToolUseConfig describes one tool-use profile.
type ToolUseConfig struct {
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities"`
}

// ToolConfigResult is the get_tool_config payload.
type ToolConfigResult struct {
	ToolUse string                  `json:"toolUse"`
	Config  ToolUseConfig           `json:"config"`
	Server  ServerDescriptor        `json:"server"`
	Tools   []domain.ToolDefinition `json:"tools"`
}

// ServerDescriptor names the server and the upstream it fronts.
type ServerDescriptor struct {
	ServerInfo
	FHIRBaseURL string `json:"fhir_base_url"`
	FHIRVersion string `json:"fhir_version,omitempty"`
}

// snapshotPeeker is implemented by capability providers that can report
// their current snapshot without I/O.
type snapshotPeeker interface {
	Snapshot() *domain.CapabilitySnapshot
}

// toolset holds the handlers. Its catalog is filled once the registry exists.
type toolset struct {
	deps    ToolDeps
	catalog []domain.ToolDefinition
}

// NewToolRegistry builds the full tool catalog over deps.
func NewToolRegistry(deps ToolDeps) (*Registry, error) {
	if deps.Mapper == nil {
		deps.Mapper = domain.NewResponseMapper()
	}
	ts := &toolset{deps: deps}
	maxCount := deps.Search.MaxCount
	if maxCount <= 0 {
		maxCount = domain.DefaultMaxSearchCount
	}

	typeArg := domain.ArgumentSpec{
		Name:        argType,
		Type:        domain.ArgString,
		Description: "FHIR resource type, e.g. Patient or Observation",
		Required:    true,
		Aliases:     []string{"resourceType"},
		Check:       deps.Policy.checkResourceType,
	}
	formatArg := domain.ArgumentSpec{
		Name:        argFormat,
		Type:        domain.ArgString,
		Description: "Result format: fhir returns upstream JSON, mcp returns a text summary",
		Enum:        []string{FormatFHIR, FormatMCP},
		Default:     FormatFHIR,
	}

	reg, err := NewRegistry(
		Tool{
			ID:          ToolGetCapabilities,
			Description: "Retrieve the capability summary of the upstream FHIR server",
			ResultShape: "CapabilitySnapshot",
			Handler:     domain.ToolHandlerFunc(ts.getCapabilities),
		},
		Tool{
			ID:          ToolGetToolConfig,
			Description: "Describe this server's tool catalog for agent frameworks",
			ResultShape: "ToolConfig",
			Schema: domain.ArgumentSchema{{
				Name:        argToolUse,
				Type:        domain.ArgString,
				Description: "Tool-use profile to describe",
				Enum:        []string{ToolUseFHIR},
				Default:     ToolUseFHIR,
			}},
			Handler: domain.ToolHandlerFunc(ts.getToolConfig),
		},
		Tool{
			ID:          ToolSearch,
			Description: "Search FHIR resources of one type with standard search parameters",
			ResultShape: "Bundle",
			Schema: domain.ArgumentSchema{
				typeArg,
				{
					Name:        argSearch,
					Type:        domain.ArgObject,
					Description: "Search parameters, e.g. {\"family\": \"Smith\"}; arrays repeat a parameter",
					Aliases:     []string{"searchParams"},
					Check:       checkSearchParams,
				},
				{
					Name:        argCount,
					Type:        domain.ArgInteger,
					Description: "Maximum number of resources to return",
					Minimum:     domain.IntPtr(1),
					Maximum:     domain.IntPtr(maxCount),
				},
				formatArg,
			},
			Handler: domain.ToolHandlerFunc(ts.search),
			Subject: func(args domain.Arguments) string { return args.String(argType) },
		},
		Tool{
			ID:          ToolRead,
			Description: "Read one FHIR resource by type and id",
			ResultShape: "Resource",
			Schema: domain.ArgumentSchema{
				typeArg,
				{
					Name:        argID,
					Type:        domain.ArgString,
					Description: "Logical id of the resource",
					Required:    true,
					Check:       checkResourceID,
				},
				formatArg,
			},
			Handler: domain.ToolHandlerFunc(ts.read),
			Subject: func(args domain.Arguments) string {
				return args.String(argType) + "/" + args.String(argID)
			},
		},
		Tool{
			ID:          ToolGetPatientComprehensiveData,
			Description: "Retrieve a patient with active conditions, recent observations, active medications, recent encounters and allergies",
			ResultShape: "ComprehensivePatientRecord",
			Schema: domain.ArgumentSchema{{
				Name:        argPatientID,
				Type:        domain.ArgString,
				Description: "Patient logical id",
				Required:    true,
				Aliases:     []string{"patientId"},
				Check:       checkPatientID,
			}},
			Handler: domain.ToolHandlerFunc(ts.getPatientComprehensiveData),
			Subject: func(args domain.Arguments) string {
				return domain.ResourcePatient + "/" + patientID(args)
			},
		},
	)
	if err != nil {
		return nil, err
	}
	ts.catalog = ExportToolConfig(reg)
	return reg, nil
}

func (ts *toolset) getCapabilities(ctx context.Context, _ domain.Arguments) (interface{}, error) {
	snap, stale, err := ts.deps.Capabilities.GetCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	return &CapabilitiesResult{CapabilitySnapshot: snap, Stale: stale, BaseURL: ts.deps.Client.BaseURL()}, nil
}

func (ts *toolset) getToolConfig(_ context.Context, args domain.Arguments) (interface{}, error) {
	server := ServerDescriptor{ServerInfo: ts.deps.Info, FHIRBaseURL: ts.deps.Client.BaseURL()}
	if p, ok := ts.deps.Capabilities.(snapshotPeeker); ok {
		if snap := p.Snapshot(); snap != nil {
			server.FHIRVersion = snap.FHIRVersion
		}
	}
	return &ToolConfigResult{
		ToolUse: args.String(argToolUse),
		Config:  ToolUseConfig{Enabled: true, Capabilities: clinicalCapabilities},
		Server:  server,
		Tools:   ts.catalog,
	}, nil
}

func (ts *toolset) search(ctx context.Context, args domain.Arguments) (interface{}, error) {
	resourceType := args.String(argType)
	params, err := searchParameters(args.Object(argSearch))
	if err != nil {
		return nil, domain.InvalidArgument(argSearch, "%v", err)
	}
	count := ts.deps.Search.DefaultCount
	if args.Has(argCount) {
		count = args.Int(argCount)
	}

	resources, err := ts.deps.Client.Search(ctx, domain.SearchSpec{
		ResourceType: resourceType,
		Parameters:   params,
		Count:        count,
	})
	if err != nil {
		return nil, err
	}
	bundle := domain.NewSearchsetBundle(resources)
	if args.String(argFormat) == FormatMCP {
		return ts.render(summarizeSearch(resourceType, resources), bundle)
	}
	return bundle, nil
}

func (ts *toolset) read(ctx context.Context, args domain.Arguments) (interface{}, error) {
	resource, err := ts.deps.Client.Read(ctx, domain.ResourceReference{
		ResourceType: args.String(argType),
		ID:           args.String(argID),
	})
	if err != nil {
		return nil, err
	}
	if args.String(argFormat) == FormatMCP {
		return ts.render(summarizeResource(resource), resource)
	}
	return resource, nil
}

func (ts *toolset) getPatientComprehensiveData(ctx context.Context, args domain.Arguments) (interface{}, error) {
	return ts.deps.Aggregator.GetComprehensivePatientData(ctx, patientID(args))
}

// render appends the JSON rendering of value to a text summary.
func (ts *toolset) render(summary *domain.ToolResponse, value interface{}) (interface{}, error) {
	payload, err := ts.deps.Mapper.MapToToolResponse(value)
	if err != nil {
		return nil, domain.WrapToolError(domain.KindInternal, err, "failed to render result")
	}
	summary.Content = append(summary.Content, payload.Content...)
	return summary, nil
}
