// Package secrets is the narrow contract the service needs from an external
// secret store. Deployments that keep credentials in a vault mount them as
// env vars or files; the service never talks to the vault directly.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider resolves a named secret.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvProvider maps secret names to environment variables:
// "redis-connection-string" -> REDIS_CONNECTION_STRING.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("secret %s not set (env %s)", name, key)
	}
	return v, nil
}

// FileProvider reads secrets from files under Dir, one file per secret.
// Matches the layout of docker/kubernetes secret mounts.
type FileProvider struct {
	Dir string
}

func (p FileProvider) Get(_ context.Context, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(p.Dir, name))
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Chain tries providers in order and returns the first hit.
type Chain []Provider

func (c Chain) Get(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, p := range c {
		v, err := p.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("secret %s: no providers configured", name)
	}
	return "", lastErr
}
