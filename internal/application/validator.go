package application

import (
	"fmt"
	"strings"

	"fhir-mcp-server/internal/domain"
)

// LOINC codes of the blood pressure components.
const (
	loincSystolic  = "8480-6"
	loincDiastolic = "8462-4"
)

type vitalRange struct {
	label    string
	min, max float64
}

var vitalRanges = map[string]vitalRange{
	loincSystolic:  {label: "Systolic", min: 70, max: 250},
	loincDiastolic: {label: "Diastolic", min: 40, max: 150},
}

var (
	bloodThinners = []string{"warfarin", "heparin", "aspirin"}
	nsaids        = []string{"ibuprofen", "naproxen", "diclofenac"}
)

// assessDataQuality returns human-readable warnings about the record.
// It only reads the record; warnings never change branch status.
func assessDataQuality(record *domain.ComprehensivePatientRecord) []string {
	warnings := make([]string, 0)
	seen := make(map[string]bool)
	add := func(w string) {
		if !seen[w] {
			seen[w] = true
			warnings = append(warnings, w)
		}
	}

	patient := record.Demographics.Resource
	if len(objects(patient["identifier"])) == 0 {
		add("Patient missing required identifiers")
	}
	if len(objects(patient["name"])) == 0 {
		add("Patient missing name information")
	}
	if record.Demographics.BirthDate == "" {
		add("Patient missing birth date")
	}

	for _, obs := range record.Observations.Entries {
		checkVitals(obs, add)
	}

	if record.Medications.Status == domain.StatusOK {
		checkInteractions(record.Medications.Entries, add)
	}
	return warnings
}

// checkVitals flags blood pressure values outside plausible bounds, both on
// the observation itself and on its components.
func checkVitals(obs domain.Resource, add func(string)) {
	parts := append([]map[string]interface{}{obs}, objects(obs["component"])...)
	for _, part := range parts {
		value, ok := quantityValue(part)
		if !ok {
			continue
		}
		for _, code := range codingCodes(part["code"]) {
			r, ok := vitalRanges[code]
			if !ok || (value >= r.min && value <= r.max) {
				continue
			}
			add(fmt.Sprintf("%s blood pressure out of normal range (Observation/%s: %g)", r.label, orUnknown(obs.ID()), value))
		}
	}
}

func checkInteractions(meds []domain.Resource, add func(string)) {
	var thinner, nsaid bool
	for _, med := range meds {
		name := strings.ToLower(medicationName(med))
		thinner = thinner || containsAny(name, bloodThinners)
		nsaid = nsaid || containsAny(name, nsaids)
	}
	if thinner && nsaid {
		add("Potential interaction: Blood thinner with NSAID increases bleeding risk")
	}
}

// medicationName returns the text and coding displays of the medication.
func medicationName(med domain.Resource) string {
	concept, _ := med["medicationCodeableConcept"].(map[string]interface{})
	if concept == nil {
		return ""
	}
	names := []string{str(concept, "text")}
	for _, coding := range objects(concept["coding"]) {
		names = append(names, str(coding, "display"))
	}
	return strings.Join(names, " ")
}

func quantityValue(m map[string]interface{}) (float64, bool) {
	q, _ := m["valueQuantity"].(map[string]interface{})
	v, ok := q["value"].(float64)
	return v, ok
}

func codingCodes(concept interface{}) []string {
	m, _ := concept.(map[string]interface{})
	var codes []string
	for _, coding := range objects(m["coding"]) {
		if c := str(coding, "code"); c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
