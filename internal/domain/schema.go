package domain

import (
	"math"
	"sort"
)

// ArgType is the JSON type of a tool argument.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgInteger ArgType = "integer"
	ArgBoolean ArgType = "boolean"
	ArgObject  ArgType = "object"
)

// ArgumentSpec describes one named tool argument.
type ArgumentSpec struct {
	Name        string
	Type        ArgType
	Description string
	Required    bool
	Aliases     []string
	Enum        []string
	Default     interface{}
	Minimum     *int
	Maximum     *int
	// Check runs after the type check; it must be pure and local.
	Check func(value interface{}) error
}

// ArgumentSchema is the ordered argument list of a tool.
type ArgumentSchema []ArgumentSpec

// Arguments are validated, alias-resolved tool arguments.
type Arguments map[string]interface{}

// String returns a string argument or "".
func (a Arguments) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an integer argument or 0.
func (a Arguments) Int(name string) int {
	switch v := a[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Object returns an object argument or nil.
func (a Arguments) Object(name string) map[string]interface{} {
	m, _ := a[name].(map[string]interface{})
	return m
}

// Has reports whether the argument is present.
func (a Arguments) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Validate checks raw arguments against the schema and returns them with
// aliases folded into canonical names and defaults applied. It never performs
// I/O. Unknown arguments are ignored.
func (s ArgumentSchema) Validate(raw map[string]interface{}) (Arguments, error) {
	out := make(Arguments, len(s))

	for _, spec := range s {
		value, name, found := spec.lookup(raw)
		if !found || value == nil {
			if spec.Required {
				return nil, InvalidArgument(spec.Name, "missing required argument: %s", spec.Name)
			}
			if spec.Default != nil {
				out[spec.Name] = spec.Default
			}
			continue
		}

		if err := spec.checkType(name, value); err != nil {
			return nil, err
		}
		if spec.Type == ArgString && spec.Required && value.(string) == "" {
			return nil, InvalidArgument(spec.Name, "argument %s must not be empty", name)
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, value.(string)) {
			return nil, InvalidArgument(spec.Name, "argument %s must be one of %v", name, spec.Enum)
		}
		if spec.Type == ArgInteger {
			n := toInt(value)
			if spec.Minimum != nil && n < *spec.Minimum {
				return nil, InvalidArgument(spec.Name, "argument %s must be >= %d", name, *spec.Minimum)
			}
			if spec.Maximum != nil && n > *spec.Maximum {
				return nil, InvalidArgument(spec.Name, "argument %s must be <= %d", name, *spec.Maximum)
			}
			value = n
		}
		if spec.Check != nil {
			if err := spec.Check(value); err != nil {
				return nil, InvalidArgument(spec.Name, "argument %s: %v", name, err)
			}
		}
		out[spec.Name] = value
	}

	return out, nil
}

// RequiredNames returns the canonical names of required arguments.
func (s ArgumentSchema) RequiredNames() []string {
	names := make([]string, 0, len(s))
	for _, spec := range s {
		if spec.Required {
			names = append(names, spec.Name)
		}
	}
	return names
}

// JSONSchema renders the schema for an agent's function-calling runtime.
// Aliases are accepted on input but not advertised.
func (s ArgumentSchema) JSONSchema() JSONSchema {
	props := make(map[string]SchemaProperty, len(s))
	for _, spec := range s {
		props[spec.Name] = SchemaProperty{
			Type:        string(spec.Type),
			Description: spec.Description,
			Enum:        spec.Enum,
			Default:     spec.Default,
			Minimum:     spec.Minimum,
			Maximum:     spec.Maximum,
		}
	}
	required := s.RequiredNames()
	sort.Strings(required)
	return JSONSchema{Type: "object", Properties: props, Required: required}
}

func (spec ArgumentSpec) lookup(raw map[string]interface{}) (interface{}, string, bool) {
	if v, ok := raw[spec.Name]; ok {
		return v, spec.Name, true
	}
	for _, alias := range spec.Aliases {
		if v, ok := raw[alias]; ok {
			return v, alias, true
		}
	}
	return nil, spec.Name, false
}

func (spec ArgumentSpec) checkType(name string, value interface{}) error {
	switch spec.Type {
	case ArgString:
		if _, ok := value.(string); !ok {
			return InvalidArgument(spec.Name, "argument %s must be a string", name)
		}
	case ArgInteger:
		switch v := value.(type) {
		case int:
		case float64:
			if v != math.Trunc(v) || math.IsInf(v, 0) {
				return InvalidArgument(spec.Name, "argument %s must be an integer", name)
			}
		default:
			return InvalidArgument(spec.Name, "argument %s must be an integer", name)
		}
	case ArgBoolean:
		if _, ok := value.(bool); !ok {
			return InvalidArgument(spec.Name, "argument %s must be a boolean", name)
		}
	case ArgObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return InvalidArgument(spec.Name, "argument %s must be an object", name)
		}
	}
	return nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// IntPtr is a small helper for Minimum/Maximum bounds.
func IntPtr(n int) *int {
	return &n
}
