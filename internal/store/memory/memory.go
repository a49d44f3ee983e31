// Package memory provides an in-process implementation of store.Store.
// It is intended for single-process deployments and tests; multi-process
// deployments should use the Redis or SQL backends.
package memory

import (
	"container/heap"
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/blueberrycongee/clinigate/pkg/store"
)

// Store implements store.Store with TTL expiration backed by a min-heap.
type Store struct {
	mu sync.Mutex

	data           map[string]*entry
	expirationHeap expirationHeap
	evictionHeap   expirationHeap // plain values only

	maxSize       int
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
	closed        bool
}

type entry struct {
	value      []byte
	expiration int64 // Unix nano, 0 means no expiration
	counter    bool  // written by IncrementWithTTL; never evicted for room
}

type expirationEntry struct {
	key        string
	expiration int64
	index      int
}

type expirationHeap []*expirationEntry

func (h expirationHeap) Len() int           { return len(h) }
func (h expirationHeap) Less(i, j int) bool { return h[i].expiration < h[j].expiration }
func (h expirationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expirationHeap) Push(x any) {
	e, ok := x.(*expirationEntry)
	if !ok {
		return
	}
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Config holds configuration for the memory store.
type Config struct {
	MaxSize         int           `yaml:"max_size"`         // Maximum number of keys (default: 100000); counters may exceed it
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Expired-key sweep interval (default: 1 minute)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:         100000,
		CleanupInterval: time.Minute,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use it to move across windows and TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a memory store and starts its cleanup loop.
func New(cfg Config, opts ...Option) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &Store{
		data:           make(map[string]*entry),
		expirationHeap: make(expirationHeap, 0),
		evictionHeap:   make(expirationHeap, 0),
		maxSize:        cfg.MaxSize,
		now:            time.Now,
		stopCleanup:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	heap.Init(&s.expirationHeap)
	heap.Init(&s.evictionHeap)

	s.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *Store) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.mu.Lock()
			s.evictExpiredLocked(s.now().UnixNano())
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// evictExpiredLocked pops heap entries up to now. Stale heap entries (key rewritten or
// removed since push) are discarded without touching data.
func (s *Store) evictExpiredLocked(now int64) {
	for s.expirationHeap.Len() > 0 {
		top := s.expirationHeap[0]
		current, ok := s.data[top.key]
		if !ok || current.expiration != top.expiration {
			heap.Pop(&s.expirationHeap)
			continue
		}
		if top.expiration > now {
			return
		}
		heap.Pop(&s.expirationHeap)
		delete(s.data, top.key)
	}
	for s.evictionHeap.Len() > 0 {
		top := s.evictionHeap[0]
		if s.evictableLocked(top) && top.expiration > now {
			return
		}
		heap.Pop(&s.evictionHeap)
	}
}

func (s *Store) evictableLocked(e *expirationEntry) bool {
	current, ok := s.data[e.key]
	return ok && !current.counter && current.expiration == e.expiration
}

// makeRoomLocked drops the soonest-expiring plain values once the store is full.
// Counters hold admission windows and quotas, and keys without expiration are never
// chosen, so a store holding only those grows past MaxSize.
func (s *Store) makeRoomLocked(now int64) {
	s.evictExpiredLocked(now)
	for len(s.data) >= s.maxSize && s.evictionHeap.Len() > 0 {
		top := heap.Pop(&s.evictionHeap).(*expirationEntry)
		if s.evictableLocked(top) {
			delete(s.data, top.key)
		}
	}
}

// liveLocked returns the entry for key when present and not expired.
func (s *Store) liveLocked(key string, now int64) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expiration > 0 && e.expiration <= now {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *Store) setLocked(key string, value []byte, expiration int64, counter bool, now int64) {
	if _, exists := s.data[key]; !exists && len(s.data) >= s.maxSize {
		s.makeRoomLocked(now)
	}
	s.data[key] = &entry{value: value, expiration: expiration, counter: counter}
	if expiration > 0 {
		heap.Push(&s.expirationHeap, &expirationEntry{key: key, expiration: expiration})
		if !counter {
			heap.Push(&s.evictionHeap, &expirationEntry{key: key, expiration: expiration})
		}
	}
}

// Get retrieves a value from the store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	e, ok := s.liveLocked(key, s.now().UnixNano())
	if !ok {
		return nil, nil
	}
	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, nil
}

// Put stores a value in the store.
func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	now := s.now()
	var expiration int64
	if ttl > 0 {
		expiration = now.Add(ttl).UnixNano()
	}
	s.setLocked(key, valueCopy, expiration, false, now.UnixNano())
	return nil
}

// Forget removes a key from the store.
func (s *Store) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.data, key)
	return nil
}

// IncrementWithTTL adds delta to a counter under the store lock.
func (s *Store) IncrementWithTTL(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}

	now := s.now()
	nowNano := now.UnixNano()

	var current int64
	e, exists := s.liveLocked(key, nowNano)
	if exists {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}

	next := current + delta
	if next < 0 {
		next = 0
	}

	if exists {
		e.value = store.FormatInt(next)
		e.counter = true
		return next, nil
	}

	var expiration int64
	if ttl > 0 {
		expiration = now.Add(ttl).UnixNano()
	}
	s.setLocked(key, store.FormatInt(next), expiration, true, nowNano)
	return next, nil
}

// KeysMatching returns live keys matching a glob pattern.
func (s *Store) KeysMatching(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	now := s.now().UnixNano()
	var keys []string
	for key, e := range s.data {
		if e.expiration > 0 && e.expiration <= now {
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close stops the cleanup goroutine.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

// Len returns the number of keys held, including expired keys not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
