// Package secret resolves credential references in configuration. A reference has
// the form scheme://path, for example env://MODEL_API_KEY or
// vault://secret/data/clinigate#api_key. Values without a scheme are literals.
package secret

import "context"

// Provider retrieves secrets from one backend.
type Provider interface {
	// Get retrieves the secret value for the given path (scheme already stripped).
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
