// Package store defines the shared key-value contract used by every governance component.
// Admission counters, cached responses, version counters, metric buckets and alert state all
// live behind this interface so that any number of gateway processes can share them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Type represents the type of store backend.
type Type string

const (
	TypeMemory   Type = "memory"   // In-process store
	TypeRedis    Type = "redis"    // Redis or Redis Cluster
	TypeSQLite   Type = "sqlite"   // SQLite via database/sql
	TypePostgres Type = "postgres" // PostgreSQL via database/sql
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store defines the interface for all shared store implementations.
type Store interface {
	// Get retrieves a value.
	// Returns nil, nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value with the given TTL.
	// A TTL <= 0 stores the value without expiration.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Forget removes a key. Forgetting a missing key is not an error.
	Forget(ctx context.Context, key string) error

	// IncrementWithTTL atomically adds delta to the counter stored at key and returns the
	// new value. The TTL is assigned only when the increment creates the key; later
	// increments never extend it. The counter never drops below zero.
	IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Scanner is implemented by stores that can enumerate keys by glob pattern.
// Callers must treat it as optional and fall back to version-counter invalidation.
type Scanner interface {
	// KeysMatching returns all live keys matching a glob pattern ("*" and "?").
	KeysMatching(ctx context.Context, pattern string) ([]string, error)
}

// AsScanner returns the store's Scanner, if it has one and scanning is enabled.
func AsScanner(s Store) (Scanner, bool) {
	if s == nil {
		return nil, false
	}
	if toggler, ok := s.(interface{ ScanEnabled() bool }); ok && !toggler.ScanEnabled() {
		return nil, false
	}
	sc, ok := s.(Scanner)
	return sc, ok
}

// GetInt64 reads a counter written by IncrementWithTTL.
// A missing key reads as zero.
func GetInt64(ctx context.Context, s Store, key string) (int64, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", key, err)
	}
	return n, nil
}

// FormatInt encodes a counter value the way every backend stores it.
func FormatInt(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}
