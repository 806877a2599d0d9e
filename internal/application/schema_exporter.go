package application

import "fhir-mcp-server/internal/domain"

// ExportToolConfig renders the catalog as MCP tool descriptors in ToolID
// order. The output depends only on the registry, so repeated calls are
// identical.
func ExportToolConfig(r *Registry) []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, 0, r.Len())
	for _, t := range r.Tools() {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description,
			InputSchema: t.Schema.JSONSchema(),
			ResultShape: t.ResultShape,
		})
	}
	return defs
}
