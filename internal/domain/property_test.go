package domain

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func propertyParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	return parameters
}

// Property: a value of the wrong JSON type is always an InvalidArguments error naming the argument.
func TestProperty_SchemaRejectsTypeMismatch(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	schema := ArgumentSchema{
		{Name: "id", Type: ArgString, Required: true},
		{Name: "count", Type: ArgInteger},
		{Name: "flag", Type: ArgBoolean},
		{Name: "searchParam", Type: ArgObject},
	}
	values := []interface{}{"text", float64(3), true, map[string]interface{}{}, []interface{}{}}

	properties.Property("mismatched types fail validation", prop.ForAll(
		func(arg, val int) bool {
			spec := schema[arg]
			v := values[val]
			if matchesType(spec.Type, v) {
				return true
			}
			raw := map[string]interface{}{"id": "597179", spec.Name: v}
			_, err := schema.Validate(raw)
			te := AsToolError(err)
			return err != nil && te.Kind == KindInvalidArguments && te.Field == spec.Name
		},
		gen.IntRange(0, len(schema)-1),
		gen.IntRange(0, len(values)-1),
	))

	properties.Property("fractional counts are never accepted", prop.ForAll(
		func(n float64) bool {
			if n == float64(int64(n)) {
				return true
			}
			_, err := schema.Validate(map[string]interface{}{"id": "1", "count": n})
			return KindOf(err) == KindInvalidArguments
		},
		gen.Float64Range(-1000, 1000),
	))

	properties.TestingRun(t)
}

func matchesType(t ArgType, v interface{}) bool {
	switch v.(type) {
	case string:
		return t == ArgString
	case float64:
		return t == ArgInteger
	case bool:
		return t == ArgBoolean
	case map[string]interface{}:
		return t == ArgObject
	}
	return false
}

// Property: every non-2xx status maps to a kind, and only a fixed set is transient.
func TestProperty_StatusClassification(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("4xx and 5xx never classify as internal", prop.ForAll(
		func(status int) bool {
			kind := KindForStatus(status)
			if kind == KindInternal {
				return false
			}
			if status >= 500 && kind != KindUpstreamUnavailable {
				return false
			}
			if IsTransientStatus(status) {
				return kind == KindRateLimited || kind == KindUpstreamUnavailable
			}
			return true
		},
		gen.IntRange(400, 599),
	))

	properties.Property("the status error carries its status", prop.ForAll(
		func(status int, id string) bool {
			err := NewUpstreamStatusError(status, "Patient/"+id, "")
			return err.StatusCode == status && err.Kind == KindForStatus(status)
		},
		gen.IntRange(400, 599),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: the JSON-RPC code of a mapped error is the code of its kind.
func TestProperty_MapErrorCode(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())
	mapper := NewResponseMapper()

	properties.Property("mapped code matches kind", prop.ForAll(
		func(k int, msg string) bool {
			kind := ErrorKind(k)
			rpcErr := mapper.MapError(NewToolError(kind, "%s", msg))
			return rpcErr.Code == kind.Code() &&
				rpcErr.Data == nil &&
				len(rpcErr.Message) >= len(kind.String())
		},
		gen.IntRange(int(KindInternal), int(KindResourceNotFound)),
		gen.AlphaString(),
	))

	properties.Property("wrapped errors keep their kind", prop.ForAll(
		func(k int) bool {
			kind := ErrorKind(k)
			err := fmt.Errorf("outer: %w", NewToolError(kind, "inner"))
			return KindOf(err) == kind
		},
		gen.IntRange(int(KindInternal), int(KindResourceNotFound)),
	))

	properties.TestingRun(t)
}
