package auth

import (
	"context"
	"fmt"

	"github.com/surgecast/surgecast/internal/config"
)

// StaticProvider returns a fixed set of headers, typically a bearer token
// obtained outside the application plus any custom headers from config.
type StaticProvider struct {
	headers map[string]string
}

// NewStaticProvider builds a provider from the auth configuration. A bearer
// token becomes an Authorization header; custom headers are carried as-is
// and win over the generated Authorization value on conflict.
func NewStaticProvider(cfg config.AuthConfig) *StaticProvider {
	headers := make(map[string]string, len(cfg.Headers)+1)
	if cfg.BearerToken != "" {
		headers["Authorization"] = fmt.Sprintf("Bearer %s", cfg.BearerToken)
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &StaticProvider{headers: headers}
}

// Headers returns the configured headers immediately without network calls.
func (p *StaticProvider) Headers(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(p.headers))
	for k, v := range p.headers {
		out[k] = v
	}
	return out, nil
}

// Close is a no-op for static providers.
func (p *StaticProvider) Close() error {
	return nil
}
