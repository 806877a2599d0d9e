package application

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"fhir-mcp-server/internal/domain"
)

const (
	notProvided = "Not provided"
	unknown     = "Unknown"

	// maxListedIDs bounds the id list of a search summary.
	maxListedIDs = 10
)

var printer = message.NewPrinter(language.English)

// summarizeResource renders one resource as readable text.
func summarizeResource(r domain.Resource) *domain.ToolResponse {
	if r.Type() == domain.ResourcePatient {
		return domain.TextResponse("PATIENT FOUND:\n\n" + patientBlock(r) +
			"\n\nStatus: Successfully retrieved patient from FHIR server")
	}
	return domain.TextResponse(fmt.Sprintf("%s FOUND:\n\nResource ID: %s\nResource Type: %s",
		strings.ToUpper(r.Type()), orUnknown(r.ID()), r.Type()))
}

// summarizeSearch renders search results as readable text.
func summarizeSearch(resourceType string, resources []domain.Resource) *domain.ToolResponse {
	if resourceType == domain.ResourcePatient {
		var b strings.Builder
		printer.Fprintf(&b, "PATIENTS FOUND: %d patient(s)", len(resources))
		for i, r := range resources {
			fmt.Fprintf(&b, "\n\n--- Patient %d ---\n%s", i+1, patientBlock(r))
		}
		return domain.TextResponse(b.String())
	}

	var b strings.Builder
	printer.Fprintf(&b, "%s SEARCH RESULTS: Found %d resource(s)", strings.ToUpper(resourceType), len(resources))
	if len(resources) > 0 {
		ids := make([]string, 0, maxListedIDs)
		for _, r := range resources {
			if len(ids) == maxListedIDs {
				break
			}
			ids = append(ids, orUnknown(r.ID()))
		}
		fmt.Fprintf(&b, "\n\nResource IDs: %s", strings.Join(ids, ", "))
		if len(resources) > maxListedIDs {
			printer.Fprintf(&b, " (and %d more)", len(resources)-maxListedIDs)
		}
	}
	return domain.TextResponse(b.String())
}

func patientBlock(r domain.Resource) string {
	d := extractDemographics(r)
	active := unknown
	if d.Active != nil {
		active = fmt.Sprintf("%t", *d.Active)
	}
	gender := unknown
	if d.Gender != "" {
		// A Caser keeps state between calls, so each summary gets its own.
		gender = cases.Title(language.English).String(d.Gender)
	}
	return fmt.Sprintf("Patient ID: %s\nName: %s\nGender: %s\nBirth Date: %s\nActive: %s\nAddress: %s\nPhone: %s",
		orUnknown(d.ID), orValue(d.Name, notProvided), gender, orValue(d.BirthDate, notProvided),
		active, orValue(d.Address, notProvided), orValue(d.Phone, notProvided))
}

// extractDemographics pulls the summary fields out of a Patient resource.
// The first name, address and phone entry win.
func extractDemographics(r domain.Resource) domain.Demographics {
	d := domain.Demographics{
		ID:        r.ID(),
		Gender:    str(r, "gender"),
		BirthDate: str(r, "birthDate"),
		Resource:  r,
	}
	if active, ok := r["active"].(bool); ok {
		d.Active = &active
	}

	if name := firstObject(r["name"]); name != nil {
		var parts []string
		parts = append(parts, stringList(name["given"])...)
		if family := str(name, "family"); family != "" {
			parts = append(parts, family)
		}
		d.Name = strings.Join(parts, " ")
		if d.Name == "" {
			d.Name = str(name, "text")
		}
	}

	if addr := firstObject(r["address"]); addr != nil {
		var parts []string
		parts = append(parts, stringList(addr["line"])...)
		for _, key := range []string{"city", "state", "postalCode"} {
			if v := str(addr, key); v != "" {
				parts = append(parts, v)
			}
		}
		d.Address = strings.Join(parts, ", ")
	}

	for _, item := range objects(r["telecom"]) {
		if str(item, "system") == "phone" {
			d.Phone = str(item, "value")
			break
		}
	}
	return d
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func objects(v interface{}) []map[string]interface{} {
	list, _ := v.([]interface{})
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func firstObject(v interface{}) map[string]interface{} {
	if list := objects(v); len(list) > 0 {
		return list[0]
	}
	return nil
}

func orUnknown(s string) string {
	return orValue(s, unknown)
}

func orValue(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func stringList(v interface{}) []string {
	list, _ := v.([]interface{})
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
