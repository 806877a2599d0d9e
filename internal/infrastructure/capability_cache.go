package infrastructure

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"fhir-mcp-server/internal/domain"
)

const capabilityKey = "capabilities"

// MetadataFetcher is the slice of the upstream client the cache needs.
type MetadataFetcher interface {
	Metadata(ctx context.Context) (*domain.CapabilityStatement, error)
}

// CapabilityCacheOptions configures a CapabilityCache.
type CapabilityCacheOptions struct {
	TTL time.Duration
	// FetchTimeout bounds one refresh independently of any single caller.
	FetchTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// CapabilityCache is a read-through TTL cache of the upstream capability
// statement. Concurrent refreshes collapse into a single upstream fetch, and
// the snapshot is swapped atomically as a whole.
type CapabilityCache struct {
	fetcher      MetadataFetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	group   singleflight.Group
	current atomic.Pointer[domain.CapabilitySnapshot]
	fetches atomic.Int64
}

// NewCapabilityCache creates an empty cache in front of fetcher.
func NewCapabilityCache(fetcher MetadataFetcher, opts CapabilityCacheOptions) *CapabilityCache {
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultCapabilityTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = domain.DefaultUpstreamTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CapabilityCache{
		fetcher:      fetcher,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
		logger:       opts.Logger,
	}
}

// GetCapabilities returns a fresh snapshot, refreshing it if needed.
// When a refresh fails and an older snapshot exists, that snapshot is
// returned with stale set. Without any snapshot the error is UpstreamUnavailable.
func (c *CapabilityCache) GetCapabilities(ctx context.Context) (*domain.CapabilitySnapshot, bool, error) {
	if snap := c.current.Load(); snap != nil && snap.FreshAt(c.now()) {
		return snap, false, nil
	}

	// The flight outlives any single caller; a caller that gives up does not
	// abort the refresh for the others waiting on it.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(capabilityKey, func() (interface{}, error) {
		if snap := c.current.Load(); snap != nil && snap.FreshAt(c.now()) {
			return snap, nil
		}
		return c.refresh(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return c.fallback(res.Err)
		}
		return res.Val.(*domain.CapabilitySnapshot), false, nil
	case <-ctx.Done():
		return c.fallback(domain.WrapToolError(domain.KindTimeout, ctx.Err(), "deadline exceeded waiting for capability statement"))
	}
}

// Snapshot returns the cached snapshot without fetching; nil if none.
func (c *CapabilityCache) Snapshot() *domain.CapabilitySnapshot {
	return c.current.Load()
}

// Fetches returns how many upstream metadata fetches were issued.
func (c *CapabilityCache) Fetches() int64 {
	return c.fetches.Load()
}

// Invalidate marks the current snapshot expired so the next call refreshes.
// The old snapshot stays available as a stale fallback.
func (c *CapabilityCache) Invalidate() {
	snap := c.current.Load()
	if snap == nil {
		return
	}
	expired := *snap
	expired.TTL = 0
	c.current.CompareAndSwap(snap, &expired)
}

func (c *CapabilityCache) refresh(ctx context.Context) (*domain.CapabilitySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	c.fetches.Add(1)
	start := c.now()
	cs, err := c.fetcher.Metadata(ctx)
	if err != nil {
		c.logger.Warn("capability refresh failed", "error", err)
		return nil, err
	}

	snap := domain.NewCapabilitySnapshot(cs, c.now(), c.ttl)
	c.current.Store(snap)
	c.logger.Info("capability statement refreshed",
		"server_software", snap.ServerSoftware,
		"fhir_version", snap.FHIRVersion,
		"resource_types", len(snap.SupportedResourceTypes),
		"duration", c.now().Sub(start))
	return snap, nil
}

func (c *CapabilityCache) fallback(err error) (*domain.CapabilitySnapshot, bool, error) {
	if snap := c.current.Load(); snap != nil {
		c.logger.Warn("serving stale capability statement", "fetched_at", snap.FetchedAt, "error", err)
		return snap, true, nil
	}
	if domain.KindOf(err) == domain.KindTimeout {
		return nil, false, err
	}
	return nil, false, domain.WrapToolError(domain.KindUpstreamUnavailable, err, "capability statement unavailable")
}

var _ domain.CapabilityProvider = (*CapabilityCache)(nil)
