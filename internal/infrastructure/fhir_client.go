package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fhir-mcp-server/internal/domain"
)

// maxErrorBody bounds how much of an error reply is read for diagnostics.
const maxErrorBody = 64 << 10

// RetryPolicy bounds retries of transient upstream failures.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// Backoff returns the wait before retry n (0-based): Initial*2^n capped at Max.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// FHIRClientOptions configures a FHIRClient.
type FHIRClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      RetryPolicy
	MaxPages   int
	UserAgent  string
	Logger     *slog.Logger
}

// FHIRClient handles read-only FHIR REST interactions.
// It implements domain.UpstreamClient. A single client is shared by all
// concurrent invocations; its http.Client owns the connection pool.
type FHIRClient struct {
	baseURL    string
	base       *url.URL
	httpClient *http.Client
	retry      RetryPolicy
	maxPages   int
	userAgent  string
	logger     *slog.Logger
}

// NewFHIRClient creates a new FHIR API client.
// The httpClient should come from domain.NewAuthenticatedClient.
func NewFHIRClient(opts FHIRClientOptions) (*FHIRClient, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid FHIR base URL %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.MaxPages < 1 {
		opts.MaxPages = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fhir-mcp-server"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FHIRClient{
		baseURL:    baseURL,
		base:       base,
		httpClient: opts.HTTPClient,
		retry:      opts.Retry,
		maxPages:   opts.MaxPages,
		userAgent:  opts.UserAgent,
		logger:     opts.Logger,
	}, nil
}

// BaseURL returns the configured base URL of the FHIR server.
func (c *FHIRClient) BaseURL() string {
	return c.baseURL
}

// Do executes an HTTP request with the FHIR headers set.
func (c *FHIRClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("User-Agent", c.userAgent)
	return c.httpClient.Do(req)
}

// Read retrieves a single resource by type and id.
func (c *FHIRClient) Read(ctx context.Context, ref domain.ResourceReference) (domain.Resource, error) {
	if !domain.ValidResourceType(ref.ResourceType) {
		return nil, domain.InvalidArgument("type", "invalid resource type: %q", ref.ResourceType)
	}
	if !domain.ValidResourceID(ref.ID) {
		return nil, domain.InvalidArgument("id", "invalid resource id: %q", ref.ID)
	}

	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, ref.ResourceType, url.PathEscape(ref.ID))

	var resource domain.Resource
	if err := c.getJSON(ctx, endpoint, ref.String(), &resource); err != nil {
		return nil, err
	}
	return resource, nil
}

// Search runs a type-level search and returns matches in upstream order.
// next links are followed until spec.Count resources are collected or the
// page limit is reached.
func (c *FHIRClient) Search(ctx context.Context, spec domain.SearchSpec) ([]domain.Resource, error) {
	if !domain.ValidResourceType(spec.ResourceType) {
		return nil, domain.InvalidArgument("type", "invalid resource type: %q", spec.ResourceType)
	}

	query := url.Values{}
	for name, values := range spec.Parameters {
		for _, v := range values {
			query.Add(name, v)
		}
	}
	if spec.Count > 0 && query.Get("_count") == "" {
		query.Set("_count", strconv.Itoa(spec.Count))
	}

	endpoint := fmt.Sprintf("%s/%s", c.baseURL, spec.ResourceType)
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var resources []domain.Resource
	for page := 1; endpoint != ""; page++ {
		var bundle domain.Bundle
		if err := c.getJSON(ctx, endpoint, spec.ResourceType+" search", &bundle); err != nil {
			return nil, err
		}
		if bundle.ResourceType != domain.ResourceBundle {
			return nil, domain.NewToolError(domain.KindUpstreamUnavailable,
				"upstream answered %s search with %q instead of a Bundle", spec.ResourceType, bundle.ResourceType)
		}

		resources = append(resources, bundle.Resources()...)
		if spec.Count > 0 && len(resources) >= spec.Count {
			resources = resources[:spec.Count]
			break
		}
		if page >= c.maxPages {
			break
		}
		endpoint = c.nextPage(bundle.NextLink())
	}

	if resources == nil {
		resources = []domain.Resource{}
	}
	return resources, nil
}

// Metadata fetches the server's CapabilityStatement.
func (c *FHIRClient) Metadata(ctx context.Context) (*domain.CapabilityStatement, error) {
	endpoint := c.baseURL + "/metadata"

	var cs domain.CapabilityStatement
	if err := c.getJSON(ctx, endpoint, "metadata", &cs); err != nil {
		return nil, err
	}
	if cs.ResourceType != "CapabilityStatement" && cs.ResourceType != "Conformance" {
		return nil, domain.NewToolError(domain.KindUpstreamUnavailable,
			"upstream metadata returned %q instead of a CapabilityStatement", cs.ResourceType)
	}
	return &cs, nil
}

// nextPage resolves a next link against the base URL. Links that leave the
// configured server are not followed.
func (c *FHIRClient) nextPage(link string) string {
	if link == "" {
		return ""
	}
	u, err := c.base.Parse(link)
	if err != nil {
		c.logger.Warn("ignoring unparsable next link", "error", err)
		return ""
	}
	if u.Scheme != c.base.Scheme || u.Host != c.base.Host {
		c.logger.Warn("ignoring next link to another server", "host", u.Host)
		return ""
	}
	return u.String()
}

// getJSON performs a GET with the retry policy and decodes the reply into out.
// what names the target in error messages.
func (c *FHIRClient) getJSON(ctx context.Context, endpoint, what string, out interface{}) error {
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.retry.Backoff(attempt - 1)
			if retryAfter > wait {
				wait = retryAfter
			}
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
				// Sleeping would outlive the caller; surface what we have.
				return lastErr
			}
			if err := sleepContext(ctx, wait); err != nil {
				return domain.WrapToolError(domain.KindTimeout, err, "deadline exceeded waiting to retry %s", what)
			}
			c.logger.Debug("retrying upstream call", "target", what, "attempt", attempt+1, "last_error", lastErr)
		}

		var retryable bool
		retryAfter, retryable, lastErr = c.getOnce(ctx, endpoint, what, out)
		if lastErr == nil {
			return nil
		}
		if !retryable {
			return lastErr
		}
	}

	if te := domain.AsToolError(lastErr); te.StatusCode == 0 && te.Kind == domain.KindUpstreamUnavailable {
		return domain.WrapToolError(domain.KindUpstreamUnavailable, te.Err,
			"upstream unreachable for %s after %d attempts", what, c.retry.MaxAttempts)
	}
	return lastErr
}

// getOnce performs a single GET. It reports whether a failure may be retried
// and any Retry-After hint the upstream sent.
func (c *FHIRClient) getOnce(ctx context.Context, endpoint, what string, out interface{}) (time.Duration, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, domain.WrapToolError(domain.KindInternal, err, "failed to create request")
	}

	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, domain.WrapToolError(domain.KindTimeout, ctx.Err(), "upstream call for %s exceeded the deadline", what)
		}
		var te *domain.ToolError
		if errors.As(err, &te) {
			return 0, false, te
		}
		return 0, true, domain.WrapToolError(domain.KindUpstreamUnavailable, err, "failed to reach upstream for %s", what)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		te := domain.NewUpstreamStatusError(resp.StatusCode, what, domain.ParseOperationOutcome(body))
		return parseRetryAfter(resp.Header.Get("Retry-After")), domain.IsTransientStatus(resp.StatusCode), te
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return 0, false, domain.WrapToolError(domain.KindTimeout, ctx.Err(), "upstream call for %s exceeded the deadline", what)
		}
		return 0, false, domain.WrapToolError(domain.KindUpstreamUnavailable, err, "failed to decode upstream response for %s", what)
	}
	return 0, false, nil
}

// parseRetryAfter reads a Retry-After header as seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ domain.UpstreamClient = (*FHIRClient)(nil)
