// Package env implements a secret provider that reads from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Provider implements the secret.Provider interface for environment variables.
type Provider struct {
	lookup func(string) (string, bool)
}

// New creates a new Env provider.
func New() *Provider {
	return &Provider{lookup: os.LookupEnv}
}

// Get retrieves the value of the environment variable named by path.
// An unset or empty variable is an error.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	val, ok := p.lookup(path)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op for the Env provider.
func (p *Provider) Close() error {
	return nil
}
