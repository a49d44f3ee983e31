// Package store selects and constructs the shared store backend from configuration.
package store

import (
	"context"
	"fmt"

	"github.com/blueberrycongee/clinigate/internal/store/memory"
	"github.com/blueberrycongee/clinigate/internal/store/redis"
	"github.com/blueberrycongee/clinigate/internal/store/sqlstore"
	pkgstore "github.com/blueberrycongee/clinigate/pkg/store"
)

// Config holds the complete store configuration.
type Config struct {
	Type   pkgstore.Type   `yaml:"type"`   // memory, redis, sqlite, postgres
	Memory memory.Config   `yaml:"memory"` // In-memory store config
	Redis  redis.Config    `yaml:"redis"`  // Redis store config
	SQL    sqlstore.Config `yaml:"sql"`    // SQLite/PostgreSQL store config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type:   pkgstore.TypeMemory,
		Memory: memory.DefaultConfig(),
		Redis:  redis.DefaultConfig(),
		SQL:    sqlstore.DefaultConfig(),
	}
}

// Open creates a store instance based on configuration.
func Open(ctx context.Context, cfg Config) (pkgstore.Store, error) {
	switch cfg.Type {
	case "", pkgstore.TypeMemory:
		return memory.New(cfg.Memory), nil

	case pkgstore.TypeRedis:
		s, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		return s, nil

	case pkgstore.TypeSQLite, pkgstore.TypePostgres:
		sqlCfg := cfg.SQL
		sqlCfg.Dialect = string(cfg.Type)
		s, err := sqlstore.Open(ctx, sqlCfg)
		if err != nil {
			return nil, fmt.Errorf("create %s store: %w", cfg.Type, err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
