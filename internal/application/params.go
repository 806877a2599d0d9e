package application

import (
	"fmt"
	"strconv"
	"strings"

	"fhir-mcp-server/internal/domain"
)

// Argument names shared by several tools.
const (
	argType      = "type"
	argID        = "id"
	argFormat    = "format"
	argSearch    = "searchParam"
	argCount     = "count"
	argPatientID = "patient_id"
	argToolUse   = "toolUse"
)

// Output formats of read and search.
const (
	FormatFHIR = "fhir"
	FormatMCP  = "mcp"
)

// checkResourceID validates FHIR logical id syntax.
func checkResourceID(v interface{}) error {
	if !domain.ValidResourceID(v.(string)) {
		return fmt.Errorf("must match [A-Za-z0-9-.]{1,64}")
	}
	return nil
}

// checkPatientID accepts a bare id or a Patient/<id> reference.
func checkPatientID(v interface{}) error {
	return checkResourceID(strings.TrimPrefix(v.(string), domain.ResourcePatient+"/"))
}

// checkSearchParams accepts an object whose values are scalars or arrays of scalars.
func checkSearchParams(v interface{}) error {
	_, err := searchParameters(v.(map[string]interface{}))
	return err
}

// searchParameters converts a searchParam object into query values.
// Numbers are rendered without exponent; arrays repeat the parameter.
func searchParameters(obj map[string]interface{}) (map[string][]string, error) {
	params := make(map[string][]string, len(obj))
	for name, value := range obj {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("parameter names must not be empty")
		}
		if list, ok := value.([]interface{}); ok {
			for _, item := range list {
				s, err := scalarString(name, item)
				if err != nil {
					return nil, err
				}
				params[name] = append(params[name], s)
			}
			continue
		}
		s, err := scalarString(name, value)
		if err != nil {
			return nil, err
		}
		params[name] = append(params[name], s)
	}
	return params, nil
}

func scalarString(name string, v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("value of %s must be a string, number or boolean", name)
	}
}

// patientID strips an optional Patient/ prefix.
func patientID(args domain.Arguments) string {
	return strings.TrimPrefix(args.String(argPatientID), domain.ResourcePatient+"/")
}
