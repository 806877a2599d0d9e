package application

import (
	"fmt"
	"strings"

	"fhir-mcp-server/internal/domain"
)

// ToolID enumerates every tool the server exposes.
// Adding a tool means adding an ID here and one entry in the tool set.
type ToolID int

const (
	ToolGetCapabilities ToolID = iota
	ToolGetToolConfig
	ToolSearch
	ToolRead
	ToolGetPatientComprehensiveData

	toolCount
)

// String returns the wire name of the tool.
func (id ToolID) String() string {
	switch id {
	case ToolGetCapabilities:
		return "get_capabilities"
	case ToolGetToolConfig:
		return "get_tool_config"
	case ToolSearch:
		return "search"
	case ToolRead:
		return "read"
	case ToolGetPatientComprehensiveData:
		return "get_patient_comprehensive_data"
	default:
		return fmt.Sprintf("tool(%d)", int(id))
	}
}

// Tool binds a tool's schema and handler together.
type Tool struct {
	ID          ToolID
	Description string
	Schema      domain.ArgumentSchema
	ResultShape string
	Handler     domain.ToolHandler
	// Subject names the addressed record for the audit trail, if any.
	Subject func(args domain.Arguments) string
}

// Name returns the wire name of the tool.
func (t *Tool) Name() string {
	return t.ID.String()
}

// Registry is the fixed tool catalog. It is built once at startup and only
// read afterwards, so lookups need no locking.
type Registry struct {
	tools  [toolCount]*Tool
	byName map[string]ToolID
}

// NewRegistry checks the catalog for consistency and indexes it by name.
// Any error here is a programming mistake and fatal at startup.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]ToolID, len(tools))}

	var errors []string
	for i := range tools {
		t := tools[i]
		if t.ID < 0 || t.ID >= toolCount {
			errors = append(errors, fmt.Sprintf("tool %d has an unknown id", int(t.ID)))
			continue
		}
		if r.tools[t.ID] != nil {
			errors = append(errors, fmt.Sprintf("tool %s registered twice", t.ID))
			continue
		}
		if t.Handler == nil {
			errors = append(errors, fmt.Sprintf("tool %s has no handler", t.ID))
		}
		if t.Description == "" {
			errors = append(errors, fmt.Sprintf("tool %s has no description", t.ID))
		}
		seen := make(map[string]bool)
		for _, arg := range t.Schema {
			for _, name := range append([]string{arg.Name}, arg.Aliases...) {
				if name == "" || seen[name] {
					errors = append(errors, fmt.Sprintf("tool %s has a duplicate or empty argument name %q", t.ID, name))
				}
				seen[name] = true
			}
		}
		r.tools[t.ID] = &t
		r.byName[t.Name()] = t.ID
	}

	for id := ToolID(0); id < toolCount; id++ {
		if r.tools[id] == nil {
			errors = append(errors, fmt.Sprintf("tool %s is not registered", id))
		}
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("tool registry inconsistent: %s", strings.Join(errors, "; "))
	}
	return r, nil
}

// Lookup resolves a wire name to its tool.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.tools[id], true
}

// Get returns the tool for an id.
func (r *Registry) Get(id ToolID) *Tool {
	return r.tools[id]
}

// Tools returns the catalog in ToolID order.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.byName)
}
