package domain

import (
	"context"
)

// UpstreamClient issues read-only operations against the clinical data server.
// Every call carries the caller's deadline; on expiry the HTTP exchange is
// aborted and a KindTimeout error is returned.
type UpstreamClient interface {
	// BaseURL returns the configured upstream base URL.
	BaseURL() string

	// Read fetches a single resource by type and id.
	Read(ctx context.Context, ref ResourceReference) (Resource, error)

	// Search returns matching resources in upstream order, following next
	// links until the count bound or the page limit is reached.
	Search(ctx context.Context, spec SearchSpec) ([]Resource, error)

	// Metadata fetches the upstream capability statement.
	Metadata(ctx context.Context) (*CapabilityStatement, error)
}
