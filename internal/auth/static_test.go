package auth_test

import (
	"context"
	"testing"

	"github.com/surgecast/surgecast/internal/auth"
	"github.com/surgecast/surgecast/internal/config"
)

func TestStaticProviderBearerToken(t *testing.T) {
	p := auth.NewStaticProvider(config.AuthConfig{BearerToken: "tok-123"})

	headers, err := p.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers() error = %v", err)
	}
	if got := headers["Authorization"]; got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-123")
	}
}

func TestStaticProviderCustomHeadersWin(t *testing.T) {
	p := auth.NewStaticProvider(config.AuthConfig{
		BearerToken: "tok-123",
		Headers: map[string]string{
			"Authorization": "Basic abc",
			"X-Api-Key":     "key-456",
		},
	})

	headers, err := p.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers() error = %v", err)
	}
	if got := headers["Authorization"]; got != "Basic abc" {
		t.Errorf("Authorization = %q, custom header must win over bearer token", got)
	}
	if got := headers["X-Api-Key"]; got != "key-456" {
		t.Errorf("X-Api-Key = %q, want %q", got, "key-456")
	}
}

func TestStaticProviderHeadersReturnsCopy(t *testing.T) {
	p := auth.NewStaticProvider(config.AuthConfig{Headers: map[string]string{"X-Api-Key": "key"}})

	first, _ := p.Headers(context.Background())
	first["X-Api-Key"] = "mutated"

	second, _ := p.Headers(context.Background())
	if second["X-Api-Key"] != "key" {
		t.Errorf("Headers() shares internal map with callers")
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
