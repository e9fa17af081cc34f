package ingestion

import (
	"context"
	"net/http"
)

// Authorizer decorates outgoing REST requests with credentials.
// Secrets are supplied by the caller; adapters never read them from the
// environment.
type Authorizer interface {
	Authorize(ctx context.Context, source string, req *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, source string, req *http.Request) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, source string, req *http.Request) error {
	return f(ctx, source, req)
}

// BearerToken sets "Authorization: Bearer <Token>" on every request.
type BearerToken struct {
	Token string
}

// Authorize sets the header when a token is configured.
func (b BearerToken) Authorize(_ context.Context, _ string, req *http.Request) error {
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	return nil
}

// SourceAuthorizers dispatches to the authorizer registered for the source.
// Sources without an entry are sent unauthenticated.
type SourceAuthorizers map[string]Authorizer

// Authorize delegates to the source's authorizer.
func (m SourceAuthorizers) Authorize(ctx context.Context, source string, req *http.Request) error {
	if a, ok := m[source]; ok && a != nil {
		return a.Authorize(ctx, source, req)
	}
	return nil
}
