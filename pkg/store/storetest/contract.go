// Package storetest provides a contract suite that every store.Store backend must pass,
// along with a manual clock for driving TTL and window expiry in tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/clinigate/pkg/store"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Harness binds a fresh store to the function that moves its notion of time forward.
type Harness struct {
	Store   store.Store
	Advance func(time.Duration)
}

// Factory builds a fresh, empty harness for each subtest.
type Factory func(t *testing.T) Harness

// RunContract runs the store contract against a backend.
func RunContract(t *testing.T, newHarness Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Put(ctx, "k1", []byte("v1"), time.Minute))

		val, err := h.Store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), val)
	})

	t.Run("get missing key", func(t *testing.T) {
		h := newHarness(t)
		val, err := h.Store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("forget", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Put(ctx, "k2", []byte("v2"), time.Minute))
		require.NoError(t, h.Store.Forget(ctx, "k2"))
		require.NoError(t, h.Store.Forget(ctx, "never-existed"))

		val, err := h.Store.Get(ctx, "k2")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.Store.Put(ctx, "ttl", []byte("v"), 7200*time.Second))

		h.Advance(7199 * time.Second)
		val, err := h.Store.Get(ctx, "ttl")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), val)

		h.Advance(2 * time.Second)
		val, err = h.Store.Get(ctx, "ttl")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("increment sequence", func(t *testing.T) {
		h := newHarness(t)
		for want := int64(1); want <= 3; want++ {
			got, err := h.Store.IncrementWithTTL(ctx, "ctr", 1, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		n, err := store.GetInt64(ctx, h.Store, "ctr")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("increment keeps creation ttl", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Store.IncrementWithTTL(ctx, "win", 1, time.Minute)
		require.NoError(t, err)

		h.Advance(30 * time.Second)
		got, err := h.Store.IncrementWithTTL(ctx, "win", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got)

		h.Advance(31 * time.Second)
		got, err = h.Store.IncrementWithTTL(ctx, "win", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got, "a new window starts a fresh counter")
	})

	t.Run("negative delta floors at zero", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.Store.IncrementWithTTL(ctx, "floor", 2, time.Minute)
		require.NoError(t, err)

		got, err := h.Store.IncrementWithTTL(ctx, "floor", -5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got)
	})

	t.Run("concurrent increments lose no updates", func(t *testing.T) {
		h := newHarness(t)
		const workers = 50
		const perWorker = 4

		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					if _, err := h.Store.IncrementWithTTL(ctx, "hot", 1, time.Minute); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		n, err := store.GetInt64(ctx, h.Store, "hot")
		require.NoError(t, err)
		assert.Equal(t, int64(workers*perWorker), n)
	})

	t.Run("keys matching", func(t *testing.T) {
		h := newHarness(t)
		scanner, ok := store.AsScanner(h.Store)
		if !ok {
			t.Skip("backend does not support key enumeration")
		}
		require.NoError(t, h.Store.Put(ctx, "resp:a:1", []byte("x"), time.Minute))
		require.NoError(t, h.Store.Put(ctx, "resp:a:2", []byte("x"), time.Minute))
		require.NoError(t, h.Store.Put(ctx, "resp:b:1", []byte("x"), time.Minute))

		keys, err := scanner.KeysMatching(ctx, "resp:a:*")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"resp:a:1", "resp:a:2"}, keys)
	})
}
