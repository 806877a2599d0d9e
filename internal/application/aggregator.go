package application

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fhir-mcp-server/internal/domain"
	"fhir-mcp-server/internal/logger"
)

// activeConditionStatuses are the clinical statuses kept by the conditions branch.
var activeConditionStatuses = []string{"active", "recurrence", "relapse"}

// AggregatorOptions tunes the comprehensive record fan-out.
type AggregatorOptions struct {
	Workers          int
	BranchTimeout    time.Duration
	ObservationCount int
	EncounterCount   int
	// FailWhenAllBranchesFail turns an all-partial record into an error.
	FailWhenAllBranchesFail bool
	Now                     func() time.Time
	Logger                  *slog.Logger
}

// Aggregator builds a ComprehensivePatientRecord from parallel searches.
type Aggregator struct {
	client       domain.UpstreamClient
	capabilities domain.CapabilityProvider
	opts         AggregatorOptions
	logger       *slog.Logger
}

// NewAggregator creates an aggregator. capabilities may be nil, in which
// case no filter is pushed to the upstream.
func NewAggregator(client domain.UpstreamClient, capabilities domain.CapabilityProvider, opts AggregatorOptions) *Aggregator {
	if opts.Workers <= 0 {
		opts.Workers = domain.DefaultWorkers
	}
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = domain.DefaultBranchTimeout
	}
	if opts.ObservationCount <= 0 {
		opts.ObservationCount = domain.DefaultObservationCount
	}
	if opts.EncounterCount <= 0 {
		opts.EncounterCount = domain.DefaultEncounterCount
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.ForComponent("aggregator")
	}
	return &Aggregator{client: client, capabilities: capabilities, opts: opts, logger: opts.Logger}
}

// branch is one sub-collection query of the record.
type branch struct {
	name   string
	spec   domain.SearchSpec
	filter func(domain.Resource) bool
}

// GetComprehensivePatientData reads the patient and fans out one search per
// record category. A failed Patient read fails the call and issues no
// further requests. Category failures and deadline expiry only mark the
// affected collection partial.
func (a *Aggregator) GetComprehensivePatientData(ctx context.Context, patientID string) (*domain.ComprehensivePatientRecord, error) {
	patient, err := a.client.Read(ctx, domain.ResourceReference{ResourceType: domain.ResourcePatient, ID: patientID})
	if err != nil {
		return nil, err
	}

	branches := a.plan(ctx, patientID)
	collections := a.fanOut(ctx, branches)

	record := &domain.ComprehensivePatientRecord{
		SubjectID:    patientID,
		RetrievedAt:  a.opts.Now().UTC(),
		Status:       domain.StatusOK,
		Demographics: extractDemographics(patient),
	}
	for i, slot := range record.Collections() {
		*slot = collections[i]
	}
	if record.PartialCount() > 0 {
		record.Status = domain.StatusPartial
	}
	record.DataQuality = assessDataQuality(record)

	if a.opts.FailWhenAllBranchesFail && record.PartialCount() == len(branches) {
		return nil, domain.NewToolError(domain.KindUpstreamUnavailable,
			"every record category failed for %s", record.Subject())
	}

	a.logger.Debug("Comprehensive record assembled",
		"subject", record.Subject(),
		"partial", record.PartialCount(),
		"warnings", len(record.DataQuality))
	return record, nil
}

// plan builds the branch list in record order. Capabilities decide which
// filters are pushed to the upstream; without them filtering is client-side.
func (a *Aggregator) plan(ctx context.Context, patientID string) []branch {
	snap := a.snapshot(ctx)
	subject := domain.ResourcePatient + "/" + patientID
	params := func(extra ...string) map[string][]string {
		p := map[string][]string{"patient": {subject}}
		for i := 0; i+1 < len(extra); i += 2 {
			p[extra[i]] = append(p[extra[i]], extra[i+1])
		}
		return p
	}

	conditions := branch{name: "conditions", filter: activeCondition}
	conditions.spec = domain.SearchSpec{ResourceType: domain.ResourceCondition, Parameters: params()}
	if snap != nil && snap.SupportsSearchParam(domain.ResourceCondition, "clinical-status") {
		conditions.spec.Parameters["clinical-status"] = []string{strings.Join(activeConditionStatuses, ",")}
	}

	medType := domain.ResourceMedicationRequest
	if snap != nil && !snap.SupportsResource(domain.ResourceMedicationRequest) && snap.SupportsResource(domain.ResourceMedicationStatement) {
		medType = domain.ResourceMedicationStatement
	}
	medications := branch{name: "medications", filter: activeMedication}
	medications.spec = domain.SearchSpec{ResourceType: medType, Parameters: params()}
	if snap != nil && snap.SupportsSearchParam(medType, "status") {
		medications.spec.Parameters["status"] = []string{"active"}
	}

	return []branch{
		conditions,
		{
			name: "observations",
			spec: domain.SearchSpec{
				ResourceType: domain.ResourceObservation,
				Parameters:   params("_sort", "-date"),
				Count:        a.opts.ObservationCount,
			},
		},
		medications,
		{
			name: "encounters",
			spec: domain.SearchSpec{
				ResourceType: domain.ResourceEncounter,
				Parameters:   params("_sort", "-date"),
				Count:        a.opts.EncounterCount,
			},
		},
		{
			name: "allergies",
			spec: domain.SearchSpec{ResourceType: domain.ResourceAllergyIntolerance, Parameters: params()},
		},
	}
}

// snapshot looks up capabilities within one branch timeout. Failure is not
// an error here; the aggregator falls back to conservative defaults.
func (a *Aggregator) snapshot(ctx context.Context) *domain.CapabilitySnapshot {
	if a.capabilities == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.BranchTimeout)
	defer cancel()
	snap, _, err := a.capabilities.GetCapabilities(ctx)
	if err != nil {
		a.logger.Warn("Capabilities unavailable, filtering client-side", "error", err)
		return nil
	}
	return snap
}

// fanOut runs the branches with at most Workers in flight and returns one
// collection per branch, in branch order. It returns as soon as every branch
// settled or ctx ends; branches still pending at that point are reported as
// timed out and their late results are discarded.
func (a *Aggregator) fanOut(ctx context.Context, branches []branch) []domain.ResourceCollection {
	var (
		mu      sync.Mutex
		sealed  bool
		results = make([]domain.ResourceCollection, len(branches))
		settled = make([]bool, len(branches))
	)

	g := new(errgroup.Group)
	g.SetLimit(a.opts.Workers)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i, b := range branches {
			i, b := i, b
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				c := a.runBranch(ctx, b)
				mu.Lock()
				defer mu.Unlock()
				if !sealed {
					results[i] = c
					settled[i] = true
				}
				return nil
			})
		}
		g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	sealed = true
	out := make([]domain.ResourceCollection, len(branches))
	for i, b := range branches {
		if settled[i] {
			out[i] = results[i]
			continue
		}
		out[i] = partial(b.spec.ResourceType, domain.NewToolError(domain.KindTimeout,
			"deadline exceeded before %s completed", b.name))
	}
	return out
}

func (a *Aggregator) runBranch(ctx context.Context, b branch) domain.ResourceCollection {
	ctx, cancel := context.WithTimeout(ctx, a.opts.BranchTimeout)
	defer cancel()

	resources, err := a.client.Search(ctx, b.spec)
	if err != nil {
		a.logger.Warn("Record branch failed",
			"branch", b.name,
			"resource_type", b.spec.ResourceType,
			"error_kind", domain.KindOf(err).String(),
			"error", err)
		return partial(b.spec.ResourceType, err)
	}

	entries := make([]domain.Resource, 0, len(resources))
	for _, r := range resources {
		if b.filter == nil || b.filter(r) {
			entries = append(entries, r)
		}
	}
	return domain.ResourceCollection{
		ResourceType: b.spec.ResourceType,
		Status:       domain.StatusOK,
		Count:        len(entries),
		Entries:      entries,
	}
}

func partial(resourceType string, err error) domain.ResourceCollection {
	return domain.ResourceCollection{
		ResourceType: resourceType,
		Status:       domain.StatusPartial,
		Entries:      []domain.Resource{},
		ErrorDetail:  domain.NewErrorDetail(err),
	}
}

func activeCondition(r domain.Resource) bool {
	status, _ := r["clinicalStatus"].(map[string]interface{})
	for _, code := range codingCodes(status) {
		for _, active := range activeConditionStatuses {
			if code == active {
				return true
			}
		}
	}
	return false
}

func activeMedication(r domain.Resource) bool {
	return str(r, "status") == "active"
}
