package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/clinigate/internal/secret/env"
	"github.com/blueberrycongee/clinigate/internal/secret/vault"
)

// Config selects the secret backends.
type Config struct {
	// CacheTTL bounds how long a resolved value is reused. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    vault.Config  `yaml:"vault"`
}

// DefaultConfig enables env:// references only.
func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Minute}
}

var knownSchemes = map[string]bool{"env": true, "vault": true}

// Manager routes references to providers by scheme.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// NewManagerFromConfig registers env:// always and vault:// when enabled.
func NewManagerFromConfig(cfg Config, logger *slog.Logger) (*Manager, error) {
	m := NewManager()
	m.Register("env", wrapCache(env.New(), cfg.CacheTTL))

	if cfg.Vault.Enabled {
		vp, err := vault.New(cfg.Vault, logger)
		if err != nil {
			return nil, fmt.Errorf("vault secret provider: %w", err)
		}
		m.Register("vault", wrapCache(vp, cfg.CacheTTL))
	}
	return m, nil
}

func wrapCache(p Provider, ttl time.Duration) Provider {
	if ttl <= 0 {
		return p
	}
	return NewCachedProvider(p, ttl)
}

// Register registers a provider for a specific scheme (e.g., "vault", "env").
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Get resolves ref. A value without a scheme is returned as-is.
func (m *Manager) Get(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	m.mu.RLock()
	provider, found := m.providers[scheme]
	m.mu.RUnlock()

	if !found {
		if !knownSchemes[scheme] {
			// A URL such as a postgres DSN or webhook, not a reference.
			return ref, nil
		}
		return "", fmt.Errorf("no secret provider registered for scheme: %s", scheme)
	}

	val, err := provider.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s reference: %w", scheme, err)
	}
	return val, nil
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	schemes := make([]string, 0, len(m.providers))
	for scheme := range m.providers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)

	var errs []error
	for _, scheme := range schemes {
		if err := m.providers[scheme].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
