// Package redis provides a Redis-based implementation of store.Store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// incrementScript adds ARGV[1] to KEYS[1], floors the result at zero and assigns the
// PEXPIRE in ARGV[2] only when the key carries no expiry yet (i.e. it was just created).
// INCRBY preserves an existing TTL, so later increments never extend the window.
const incrementScript = `
local current = redis.call('INCRBY', KEYS[1], ARGV[1])
if current < 0 then
    redis.call('INCRBY', KEYS[1], -current)
    current = 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) == -1 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return current
`

// Store implements store.Store using Redis as backend.
type Store struct {
	client      goredis.UniversalClient
	namespace   string
	scanEnabled bool
	scanCount   int64
	increment   *goredis.Script
}

// Config holds configuration for the Redis store.
type Config struct {
	// Single node configuration
	Addr     string `yaml:"addr"`     // Redis address (e.g., "localhost:6379")
	Password string `yaml:"password"` // Redis password
	DB       int    `yaml:"db"`       // Redis database number

	// Cluster configuration
	ClusterAddrs []string `yaml:"cluster_addrs"` // Redis cluster addresses

	// Sentinel configuration
	SentinelAddrs  []string `yaml:"sentinel_addrs"`  // Sentinel addresses
	SentinelMaster string   `yaml:"sentinel_master"` // Sentinel master name

	// Common configuration
	Namespace    string        `yaml:"namespace"`      // Key namespace prefix
	ScanEnabled  bool          `yaml:"scan_enabled"`   // Allow SCAN-based pattern invalidation
	DialTimeout  time.Duration `yaml:"dial_timeout"`   // Connection timeout
	ReadTimeout  time.Duration `yaml:"read_timeout"`   // Read timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`  // Write timeout
	PoolSize     int           `yaml:"pool_size"`      // Connection pool size
	MinIdleConns int           `yaml:"min_idle_conns"` // Minimum idle connections
	MaxRetries   int           `yaml:"max_retries"`    // Maximum retries
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Namespace:    "clinigate",
		ScanEnabled:  true,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// New creates a Redis client from cfg, verifies connectivity and wraps it.
func New(cfg Config) (*Store, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	var client goredis.UniversalClient
	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg), nil
}

// NewFromClient wraps an existing client. The caller keeps ownership of cfg connection
// fields; only Namespace and ScanEnabled are read.
func NewFromClient(client goredis.UniversalClient, cfg Config) *Store {
	return &Store{
		client:      client,
		namespace:   cfg.Namespace,
		scanEnabled: cfg.ScanEnabled,
		scanCount:   100,
		increment:   goredis.NewScript(incrementScript),
	}
}

func (s *Store) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

func (s *Store) stripPrefix(key string) string {
	if s.namespace == "" {
		return key
	}
	return key[len(s.namespace)+1:]
}

// Get retrieves a value from Redis.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Put stores a value in Redis with TTL.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefixKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Forget removes a key from Redis.
func (s *Store) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IncrementWithTTL runs the increment script, which executes atomically on the server.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ttlMs := int64(0)
	if ttl > 0 {
		ttlMs = ttl.Milliseconds()
		if ttlMs == 0 {
			ttlMs = 1
		}
	}
	val, err := s.increment.Run(ctx, s.client, []string{s.prefixKey(key)}, delta, ttlMs).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	return val, nil
}

// ScanEnabled reports whether KeysMatching may be used.
func (s *Store) ScanEnabled() bool {
	return s.scanEnabled
}

// KeysMatching walks the keyspace with SCAN MATCH. On a cluster every master is scanned.
func (s *Store) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	match := s.prefixKey(pattern)

	if cluster, ok := s.client.(*goredis.ClusterClient); ok {
		var (
			keys []string
			mu   sync.Mutex
		)
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error {
			found, err := s.scan(ctx, node, match)
			if err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, found...)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return keys, nil
	}

	return s.scan(ctx, s.client, match)
}

func (s *Store) scan(ctx context.Context, client goredis.Cmdable, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
		seen   = make(map[string]struct{})
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		// SCAN may return a key more than once.
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, s.stripPrefix(k))
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
