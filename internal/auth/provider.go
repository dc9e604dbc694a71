package auth

import "context"

// Provider defines the interface for authentication providers that supply
// headers to attach to every browser request.
type Provider interface {
	// Headers returns the authentication headers to inject. Implementations
	// may refresh tokens, so a context is accepted for cancellation.
	Headers(ctx context.Context) (map[string]string, error)

	// Close releases any resources held by the provider.
	Close() error
}
