package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TokenSource supplies the bearer token attached to upstream requests.
// An empty token means the request is sent without an Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenInvalidator is implemented by token sources that cache exchanged
// tokens and can drop them after the upstream rejects one.
type TokenInvalidator interface {
	Invalidate()
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// NewAuthenticatedClient returns an HTTP client that attaches bearer tokens
// from src. A nil src yields an unauthenticated client.
func NewAuthenticatedClient(base http.RoundTripper, src TokenSource, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	rt := base
	if src != nil {
		rt = &authenticatedTransport{base: base, source: src}
	}
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}
}

// authenticatedTransport is an http.RoundTripper that adds authentication headers.
type authenticatedTransport struct {
	base   http.RoundTripper
	source TokenSource
}

// RoundTrip implements http.RoundTripper by adding the bearer token to requests.
// Classified token source errors keep their kind; anything else is an
// authentication failure.
// A 401 reply invalidates a cached token so the next call exchanges a new one;
// the failing request itself is not replayed.
func (t *authenticatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token(req.Context())
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return nil, te
		}
		if req.Context().Err() != nil {
			return nil, WrapToolError(KindTimeout, err, "deadline exceeded obtaining upstream token")
		}
		return nil, WrapToolError(KindAuthenticationFailed, err, "failed to obtain upstream token")
	}

	// Clone the request to avoid modifying the original
	clonedReq := req.Clone(req.Context())
	if token != "" {
		clonedReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(clonedReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := t.source.(TokenInvalidator); ok {
			inv.Invalidate()
		}
	}
	return resp, nil
}

// ValidateToken rejects tokens that cannot be placed in a header.
func ValidateToken(token string) error {
	for _, r := range token {
		if r == '\r' || r == '\n' {
			return fmt.Errorf("token contains a line break")
		}
	}
	return nil
}
