package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Resource types the adapter addresses directly.
const (
	ResourcePatient             = "Patient"
	ResourceCondition           = "Condition"
	ResourceObservation         = "Observation"
	ResourceMedicationRequest   = "MedicationRequest"
	ResourceMedicationStatement = "MedicationStatement"
	ResourceEncounter           = "Encounter"
	ResourceAllergyIntolerance  = "AllergyIntolerance"
	ResourceBundle              = "Bundle"
	ResourceOperationOutcome    = "OperationOutcome"
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)
	resourceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// ValidResourceType reports whether s is syntactically a FHIR resource type.
func ValidResourceType(s string) bool {
	return resourceTypePattern.MatchString(s)
}

// ValidResourceID reports whether s is syntactically a FHIR logical id.
func ValidResourceID(s string) bool {
	return resourceIDPattern.MatchString(s)
}

// Resource is a single upstream entity kept in its upstream JSON form.
// Fields are decoded lazily; the adapter never rewrites a resource.
type Resource map[string]interface{}

// Type returns the resourceType member.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the upstream-assigned logical id.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// ResourceReference addresses a single upstream entity.
type ResourceReference struct {
	ResourceType string
	ID           string
}

// String renders the reference as Type/id.
func (r ResourceReference) String() string {
	return r.ResourceType + "/" + r.ID
}

// SearchSpec describes one upstream search. It is built from validated
// arguments and not modified afterwards.
type SearchSpec struct {
	ResourceType string
	Parameters   map[string][]string
	Count        int // 0 means upstream default
}

// Bundle is the subset of a FHIR Bundle the client consumes.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a navigation link of a Bundle.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry wraps one resource inside a Bundle.
type BundleEntry struct {
	FullURL  string             `json:"fullUrl,omitempty"`
	Resource Resource           `json:"resource,omitempty"`
	Search   *BundleEntrySearch `json:"search,omitempty"`
}

// BundleEntrySearch tells why an entry is in a searchset.
type BundleEntrySearch struct {
	Mode string `json:"mode,omitempty"` // match, include or outcome
}

// NextLink returns the url of the next page, if any.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resources returns the entry resources in bundle order, skipping empty
// entries and search outcome entries.
func (b *Bundle) Resources() []Resource {
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource == nil || (e.Search != nil && e.Search.Mode == "outcome") {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}

// NewSearchsetBundle wraps resources into a searchset Bundle.
func NewSearchsetBundle(resources []Resource) *Bundle {
	total := len(resources)
	b := &Bundle{ResourceType: ResourceBundle, Type: "searchset", Total: &total}
	b.Entry = make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		b.Entry = append(b.Entry, BundleEntry{Resource: r})
	}
	return b
}

// OperationOutcome carries upstream error diagnostics.
type OperationOutcome struct {
	ResourceType string `json:"resourceType"`
	Issue        []struct {
		Severity    string `json:"severity"`
		Code        string `json:"code"`
		Diagnostics string `json:"diagnostics,omitempty"`
		Details     *struct {
			Text string `json:"text,omitempty"`
		} `json:"details,omitempty"`
	} `json:"issue"`
}

// ParseOperationOutcome extracts a one-line diagnostic from an error body.
// It returns "" when the body is not an OperationOutcome.
func ParseOperationOutcome(body []byte) string {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != ResourceOperationOutcome {
		return ""
	}
	for _, issue := range oo.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
		if issue.Details != nil && issue.Details.Text != "" {
			return issue.Details.Text
		}
	}
	if len(oo.Issue) > 0 {
		return oo.Issue[0].Code
	}
	return ""
}

// CapabilityStatement is the subset of the upstream metadata document used
// to build a CapabilitySnapshot.
type CapabilityStatement struct {
	ResourceType string   `json:"resourceType"`
	Status       string   `json:"status,omitempty"`
	FHIRVersion  string   `json:"fhirVersion,omitempty"`
	Format       []string `json:"format,omitempty"`
	Software     struct {
		Name    string `json:"name,omitempty"`
		Version string `json:"version,omitempty"`
	} `json:"software"`
	Rest []struct {
		Mode     string `json:"mode,omitempty"`
		Resource []struct {
			Type        string `json:"type"`
			SearchParam []struct {
				Name string `json:"name"`
				Type string `json:"type,omitempty"`
			} `json:"searchParam,omitempty"`
		} `json:"resource,omitempty"`
	} `json:"rest,omitempty"`
}

// CapabilitySnapshot is an immutable view of the upstream capabilities.
// The capability cache replaces it wholesale; it is never mutated in place.
type CapabilitySnapshot struct {
	FetchedAt              time.Time           `json:"fetchedAt"`
	Expires                time.Time           `json:"expiresAt"`
	TTL                    time.Duration       `json:"-"`
	TTLSeconds             int64               `json:"ttlSeconds"`
	ServerSoftware         string              `json:"serverSoftware"`
	ServerVersion          string              `json:"serverVersion"`
	FHIRVersion            string              `json:"fhirVersion"`
	Status                 string              `json:"status,omitempty"`
	SupportedResourceTypes []string            `json:"supportedResourceTypes"`
	SupportedFormats       []string            `json:"supportedFormats"`
	SearchParams           map[string][]string `json:"-"`
}

// NewCapabilitySnapshot converts a CapabilityStatement into a snapshot.
func NewCapabilitySnapshot(cs *CapabilityStatement, fetchedAt time.Time, ttl time.Duration) *CapabilitySnapshot {
	snap := &CapabilitySnapshot{
		FetchedAt:        fetchedAt,
		Expires:          fetchedAt.Add(ttl),
		TTL:              ttl,
		TTLSeconds:       int64(ttl / time.Second),
		ServerSoftware:   cs.Software.Name,
		ServerVersion:    cs.Software.Version,
		FHIRVersion:      cs.FHIRVersion,
		Status:           cs.Status,
		SupportedFormats: append([]string(nil), cs.Format...),
		SearchParams:     make(map[string][]string),
	}
	seen := make(map[string]bool)
	for _, rest := range cs.Rest {
		if rest.Mode != "" && rest.Mode != "server" {
			continue
		}
		for _, res := range rest.Resource {
			if res.Type == "" || seen[res.Type] {
				continue
			}
			seen[res.Type] = true
			snap.SupportedResourceTypes = append(snap.SupportedResourceTypes, res.Type)
			params := make([]string, 0, len(res.SearchParam))
			for _, sp := range res.SearchParam {
				params = append(params, sp.Name)
			}
			snap.SearchParams[res.Type] = params
		}
	}
	if snap.SupportedResourceTypes == nil {
		snap.SupportedResourceTypes = []string{}
	}
	if snap.SupportedFormats == nil {
		snap.SupportedFormats = []string{}
	}
	return snap
}

// ExpiresAt returns the instant the snapshot stops being fresh.
func (s *CapabilitySnapshot) ExpiresAt() time.Time {
	return s.FetchedAt.Add(s.TTL)
}

// FreshAt reports whether the snapshot is still fresh at now.
func (s *CapabilitySnapshot) FreshAt(now time.Time) bool {
	return now.Before(s.ExpiresAt())
}

// SupportsResource reports whether the upstream lists the resource type.
func (s *CapabilitySnapshot) SupportsResource(resourceType string) bool {
	_, ok := s.SearchParams[resourceType]
	return ok
}

// SupportsSearchParam reports whether the upstream lists the search parameter
// for the resource type.
func (s *CapabilitySnapshot) SupportsSearchParam(resourceType, param string) bool {
	for _, p := range s.SearchParams[resourceType] {
		if p == param {
			return true
		}
	}
	return false
}

// BranchStatus is the completeness marker of one record sub-collection.
type BranchStatus string

const (
	StatusOK      BranchStatus = "ok"
	StatusPartial BranchStatus = "partial"
)

// ErrorDetail describes why a sub-collection is partial.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewErrorDetail builds an ErrorDetail from any error.
func NewErrorDetail(err error) *ErrorDetail {
	te := AsToolError(err)
	return &ErrorDetail{Kind: te.Kind.String(), Code: te.Kind.Code(), Message: te.Error()}
}

// ResourceCollection is one category of a comprehensive record.
type ResourceCollection struct {
	ResourceType string       `json:"resourceType"`
	Status       BranchStatus `json:"status"`
	Count        int          `json:"count"`
	Entries      []Resource   `json:"entries"`
	ErrorDetail  *ErrorDetail `json:"errorDetail,omitempty"`
}

// Demographics is the patient summary extracted from the Patient resource.
type Demographics struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	BirthDate string   `json:"birthDate,omitempty"`
	Active    *bool    `json:"active,omitempty"`
	Address   string   `json:"address,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Resource  Resource `json:"resource"`
}

// ComprehensivePatientRecord is the merged result of one aggregation call.
// It is built per invocation and never cached.
type ComprehensivePatientRecord struct {
	SubjectID    string             `json:"subjectId"`
	RetrievedAt  time.Time          `json:"retrievedAt"`
	Status       BranchStatus       `json:"status"`
	Demographics Demographics       `json:"demographics"`
	Conditions   ResourceCollection `json:"conditions"`
	Observations ResourceCollection `json:"observations"`
	Medications  ResourceCollection `json:"medications"`
	Encounters   ResourceCollection `json:"encounters"`
	Allergies    ResourceCollection `json:"allergies"`
	DataQuality  []string           `json:"dataQuality"`
}

// Collections returns pointers to the sub-collections in fixed order.
func (r *ComprehensivePatientRecord) Collections() []*ResourceCollection {
	return []*ResourceCollection{
		&r.Conditions, &r.Observations, &r.Medications, &r.Encounters, &r.Allergies,
	}
}

// PartialCount returns how many sub-collections are partial.
func (r *ComprehensivePatientRecord) PartialCount() int {
	n := 0
	for _, c := range r.Collections() {
		if c.Status == StatusPartial {
			n++
		}
	}
	return n
}

// Subject returns the record subject as a reference string.
func (r *ComprehensivePatientRecord) Subject() string {
	return fmt.Sprintf("%s/%s", ResourcePatient, r.SubjectID)
}
