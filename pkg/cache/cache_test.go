package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config, clock *fakeClock) *Cache {
	t.Helper()
	c := New(cfg, WithClock(clock.Now), WithLogger(log.Nop()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// blockWriter parks the writer goroutine until the returned func is called.
func blockWriter(t *testing.T, c *Cache) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	go c.inspect(func(*Cache) {
		close(started)
		<-gate
	})
	<-started
	return func() { close(gate) }
}

func TestCache_PutGetExpire(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, DefaultConfig(), clock)

	c.Put("SELECT 1", "SELECT 1 FROM DUAL")
	got, ok := c.Get("SELECT 1")
	require.True(t, ok)
	assert.Equal(t, "SELECT 1 FROM DUAL", got)

	cfg := c.Config()
	clock.Advance(cfg.BufferTime + cfg.ExpiredTime + time.Second)

	_, ok = c.Get("SELECT 1")
	assert.False(t, ok)

	c.Drain()
	assert.Equal(t, 0, c.Len())
	assert.NoError(t, c.CheckList())
}

func TestCache_GracePeriod(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, DefaultConfig(), clock)

	c.Put("k", "v")
	clock.Advance(23 * time.Hour)
	c.Sweep()
	c.Drain()

	got, ok := c.Get("k")
	require.True(t, ok, "entry inside its grace period must not expire")
	assert.Equal(t, "v", got)
}

func TestCache_ExpiryPolicy(t *testing.T) {
	cfg := Config{
		ExpiredTime:     time.Hour,
		BufferTime:      time.Minute,
		MinUseThreshold: 2,
	}

	t.Run("rarely used expires after grace", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestCache(t, cfg, clock)

		c.Put("k", "v")
		_, ok := c.Get("k")
		require.True(t, ok)

		clock.Advance(2 * time.Minute)
		_, ok = c.Get("k")
		assert.False(t, ok)
	})

	t.Run("well used survives until idle", func(t *testing.T) {
		clock := newFakeClock()
		c := newTestCache(t, cfg, clock)

		c.Put("k", "v")
		for i := 0; i < 3; i++ {
			_, ok := c.Get("k")
			require.True(t, ok)
		}

		clock.Advance(2 * time.Minute)
		_, ok := c.Get("k")
		require.True(t, ok)

		clock.Advance(2 * time.Hour)
		_, ok = c.Get("k")
		assert.False(t, ok)
	})
}

func TestCache_SweepFromTail(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, DefaultConfig(), clock)

	c.Put("old-1", "a")
	c.Put("old-2", "b")
	clock.Advance(2 * 24 * time.Hour)
	c.Put("new", "c")
	c.Drain()
	require.Equal(t, 3, c.ListLen())

	c.Sweep()
	c.Drain()

	assert.Equal(t, []string{"new"}, c.Keys())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(2), c.Stats().Evictions)
	assert.NoError(t, c.CheckList())
}

func TestCache_RecencyOrder(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), newFakeClock())

	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("c", "3")
	c.Drain()
	assert.Equal(t, []string{"c", "b", "a"}, c.Keys())

	_, ok := c.Get("a")
	require.True(t, ok)
	c.Drain()
	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())

	c.Put("b", "22")
	c.Drain()
	assert.Equal(t, []string{"b", "a", "c"}, c.Keys())

	got, _ := c.Get("b")
	assert.Equal(t, "22", got)
}

func TestCache_Remove(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), newFakeClock())

	c.Put("a", "1")
	c.Put("b", "2")
	c.Remove("a")
	c.Remove("missing")

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Drain()
	assert.Equal(t, []string{"b"}, c.Keys())
	assert.NoError(t, c.CheckList())
}

func TestCache_Reclaim(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), newFakeClock())

	c.Put("a", "1")
	c.Reclaim("a")

	_, ok := c.Get("a")
	assert.False(t, ok, "a reclaimed value reads as a miss")

	c.Put("a", "2")
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", got)

	c.Drain()
	assert.NoError(t, c.CheckList())
}

func TestCache_MemoryPressure(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), newFakeClock())

	for _, k := range []string{"a", "b", "c", "d"} {
		c.Put(k, k)
	}
	c.Drain()

	c.MemoryPressure()
	c.Drain()

	for _, k := range []string{"a", "b"} {
		_, ok := c.Get(k)
		assert.False(t, ok, "cold key %s should be reclaimed", k)
	}
	for _, k := range []string{"c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "warm key %s should survive", k)
	}

	c.Drain()
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(2), c.Stats().Reclaimed)
	assert.NoError(t, c.CheckList())
}

func TestCache_UpdatesBeforeClear(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), newFakeClock())

	var mu sync.Mutex
	var order []string
	c.processHook = func(cmd *command) {
		if cmd.kind == cmdInspect {
			return
		}
		mu.Lock()
		order = append(order, cmd.kind.String())
		mu.Unlock()
	}

	release := blockWriter(t, c)
	c.Sweep()
	c.Sweep()
	c.Put("a", "1")
	c.Put("b", "2")
	release()
	c.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ADD_HEAD", "ADD_HEAD", "CLEAR"}, order)
}

func TestCache_MandatoryCleaning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MandatoryCleanThreshold = 2
	c := newTestCache(t, cfg, newFakeClock())

	var mu sync.Mutex
	var sawClear bool
	c.processHook = func(cmd *command) {
		if cmd.kind == cmdClear {
			mu.Lock()
			sawClear = true
			mu.Unlock()
		}
	}

	release := blockWriter(t, c)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("k%d", i), "v")
	}
	release()
	c.Drain()

	// Sweeps forced after the 2nd and 4th update; the first one also
	// dropped the queued CLEAR.
	assert.Equal(t, int64(2), c.Stats().Sweeps)
	mu.Lock()
	assert.False(t, sawClear)
	mu.Unlock()
}

func TestCache_WriterSurvivesPanic(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), newFakeClock())

	var once sync.Once
	c.processHook = func(cmd *command) {
		if cmd.kind == cmdMoveHead {
			once.Do(func() { panic("boom") })
		}
	}

	c.Put("a", "1")
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("b", "2")
	c.Drain()

	assert.Equal(t, int64(1), c.Stats().Panics)
	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", got)

	c.Drain()
	assert.NoError(t, c.CheckList())
}

func TestCache_Concurrent(t *testing.T) {
	c := newTestCache(t, DefaultConfig(), newFakeClock())

	const workers = 8
	const ops = 2000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < ops; i++ {
				key := fmt.Sprintf("k%d", r.Intn(50))
				switch r.Intn(10) {
				case 0:
					c.Remove(key)
				case 1, 2, 3:
					c.Put(key, key)
				default:
					c.Get(key)
				}
			}
		}(int64(w))
	}
	wg.Wait()
	c.Drain()

	require.NoError(t, c.CheckList())
	assert.Equal(t, c.Len(), c.ListLen())
}

func TestCache_Close(t *testing.T) {
	c := New(DefaultConfig(), WithLogger(log.Nop()))
	c.Put("a", "1")

	require.NoError(t, c.Close())

	select {
	case <-c.done:
	default:
		t.Fatal("writer still running after Close")
	}

	c.Put("b", "2")
	_, ok := c.Get("a")
	assert.False(t, ok)
	c.Remove("a")
	c.Drain()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.ListLen())
	assert.ErrorIs(t, c.CheckList(), ErrClosed)

	err := c.Close()
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCacheClosed))
}

func TestCache_SharedTeardownLock(t *testing.T) {
	var mu sync.Mutex
	c := New(DefaultConfig(), WithLogger(log.Nop()), WithTeardownLock(&mu))

	mu.Lock()
	done := make(chan error)
	go func() { done <- c.Close() }()

	select {
	case <-done:
		t.Fatal("Close returned while the teardown lock was held")
	case <-time.After(20 * time.Millisecond):
	}
	mu.Unlock()
	assert.NoError(t, <-done)
}
