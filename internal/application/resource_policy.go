package application

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"fhir-mcp-server/internal/domain"
)

// ResourcePolicy decides which resource types read and search may address.
// Patterns are glob expressions such as "Medication*"; a leading "!" denies.
// An empty policy allows every type.
type ResourcePolicy struct {
	allow []string
	deny  []string
}

// NewResourcePolicy compiles allowed_resource_types patterns.
func NewResourcePolicy(patterns []string) (*ResourcePolicy, error) {
	p := &ResourcePolicy{}
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		deny := strings.HasPrefix(pattern, "!")
		pattern = strings.TrimPrefix(pattern, "!")
		if pattern == "" || !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid resource type pattern %q", raw)
		}
		if deny {
			p.deny = append(p.deny, pattern)
		} else {
			p.allow = append(p.allow, pattern)
		}
	}
	return p, nil
}

// Allows reports whether resourceType passes the policy.
func (p *ResourcePolicy) Allows(resourceType string) bool {
	if p == nil {
		return true
	}
	for _, pattern := range p.deny {
		if ok, _ := doublestar.Match(pattern, resourceType); ok {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, pattern := range p.allow {
		if ok, _ := doublestar.Match(pattern, resourceType); ok {
			return true
		}
	}
	return false
}

// checkResourceType returns an argument check enforcing syntax and policy.
func (p *ResourcePolicy) checkResourceType(v interface{}) error {
	s := v.(string)
	if !domain.ValidResourceType(s) {
		return fmt.Errorf("%q is not a FHIR resource type", s)
	}
	if !p.Allows(s) {
		return fmt.Errorf("resource type %s is not allowed by this server", s)
	}
	return nil
}
