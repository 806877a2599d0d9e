package application

import (
	"context"
	"net/http"
	"sync"
	"time"

	"fhir-mcp-server/internal/domain"
	"fhir-mcp-server/internal/logger"
)

// fakeUpstream is an in-memory UpstreamClient that records every call.
type fakeUpstream struct {
	mu       sync.Mutex
	patients map[string]domain.Resource
	results  map[string][]domain.Resource
	failures map[string]error
	delays   map[string]time.Duration

	reads       int
	searches    []domain.SearchSpec
	inFlight    int
	maxInFlight int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		patients: map[string]domain.Resource{"597179": testPatient()},
		results:  map[string][]domain.Resource{},
		failures: map[string]error{},
		delays:   map[string]time.Duration{},
	}
}

func (f *fakeUpstream) BaseURL() string { return "http://fhir.test/baseR4" }

func (f *fakeUpstream) Read(ctx context.Context, ref domain.ResourceReference) (domain.Resource, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, domain.WrapToolError(domain.KindTimeout, err, "deadline exceeded")
	}
	if ref.ResourceType == domain.ResourcePatient {
		if p, ok := f.patients[ref.ID]; ok {
			return p, nil
		}
	}
	return nil, domain.NewUpstreamStatusError(http.StatusNotFound, ref.String(), "")
}

func (f *fakeUpstream) Search(ctx context.Context, spec domain.SearchSpec) ([]domain.Resource, error) {
	f.mu.Lock()
	f.searches = append(f.searches, spec)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.delays[spec.ResourceType]
	failure := f.failures[spec.ResourceType]
	results := f.results[spec.ResourceType]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.WrapToolError(domain.KindTimeout, ctx.Err(), "deadline exceeded")
		}
	}
	if failure != nil {
		return nil, failure
	}
	if results == nil {
		results = []domain.Resource{}
	}
	return results, nil
}

func (f *fakeUpstream) Metadata(ctx context.Context) (*domain.CapabilityStatement, error) {
	return &domain.CapabilityStatement{ResourceType: "CapabilityStatement", FHIRVersion: "4.0.1"}, nil
}

func (f *fakeUpstream) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

func (f *fakeUpstream) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeUpstream) specFor(resourceType string) (domain.SearchSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.searches {
		if s.ResourceType == resourceType {
			return s, true
		}
	}
	return domain.SearchSpec{}, false
}

// fakeCapabilities serves a fixed snapshot or error.
type fakeCapabilities struct {
	snap  *domain.CapabilitySnapshot
	stale bool
	err   error
}

func (f *fakeCapabilities) GetCapabilities(ctx context.Context) (*domain.CapabilitySnapshot, bool, error) {
	return f.snap, f.stale, f.err
}

func (f *fakeCapabilities) Snapshot() *domain.CapabilitySnapshot {
	return f.snap
}

// snapshotWith builds a snapshot listing resource types and their search params.
func snapshotWith(params map[string][]string) *domain.CapabilitySnapshot {
	cs := &domain.CapabilityStatement{ResourceType: "CapabilityStatement", FHIRVersion: "4.0.1"}
	cs.Software.Name = "HAPI FHIR Server"
	snap := domain.NewCapabilitySnapshot(cs, time.Now(), 5*time.Minute)
	for rt, p := range params {
		snap.SupportedResourceTypes = append(snap.SupportedResourceTypes, rt)
		snap.SearchParams[rt] = p
	}
	return snap
}

// fakeAudit collects audit entries and can be told to fail.
type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (f *fakeAudit) Record(ctx context.Context, e domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) all() []domain.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AuditEntry(nil), f.entries...)
}

func testPatient() domain.Resource {
	return domain.Resource{
		"resourceType": "Patient",
		"id":           "597179",
		"active":       true,
		"gender":       "female",
		"birthDate":    "1974-12-25",
		"identifier":   []interface{}{map[string]interface{}{"system": "urn:mrn", "value": "12345"}},
		"name": []interface{}{map[string]interface{}{
			"family": "Chalmers",
			"given":  []interface{}{"Peter", "James"},
		}},
		"address": []interface{}{map[string]interface{}{
			"line":       []interface{}{"534 Erewhon St"},
			"city":       "PleasantVille",
			"state":      "Vic",
			"postalCode": "3999",
		}},
		"telecom": []interface{}{
			map[string]interface{}{"system": "email", "value": "p@example.org"},
			map[string]interface{}{"system": "phone", "value": "(03) 5555 6473"},
		},
	}
}

func condition(id, status string) domain.Resource {
	return domain.Resource{
		"resourceType": "Condition",
		"id":           id,
		"clinicalStatus": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": status}},
		},
	}
}

func medication(id, status, name string) domain.Resource {
	return domain.Resource{
		"resourceType":              "MedicationRequest",
		"id":                        id,
		"status":                    status,
		"medicationCodeableConcept": map[string]interface{}{"text": name},
	}
}

func bloodPressure(id string, systolic, diastolic float64) domain.Resource {
	component := func(code string, v float64) map[string]interface{} {
		return map[string]interface{}{
			"code":          map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": code}}},
			"valueQuantity": map[string]interface{}{"value": v, "unit": "mmHg"},
		}
	}
	return domain.Resource{
		"resourceType": "Observation",
		"id":           id,
		"code":         map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "85354-9"}}},
		"component":    []interface{}{component(loincSystolic, systolic), component(loincDiastolic, diastolic)},
	}
}

func testAggregator(up *fakeUpstream, caps domain.CapabilityProvider, opts AggregatorOptions) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return NewAggregator(up, caps, opts)
}
