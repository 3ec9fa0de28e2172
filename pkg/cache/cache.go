// Package cache implements the translation cache: a concurrent key/value
// store whose recency list is owned by a single writer goroutine.
//
// Callers never touch the list. Put, Get and Remove update the lookup map
// under a per-shard lock and enqueue a command; the writer drains the
// command queue in priority order, maintains the list and sweeps expired
// entries from its tail. Expiry and reclamation are never reported as
// errors: they read as a miss.
package cache

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha1tch/sqlconv/pkg/errors"
	"github.com/ha1tch/sqlconv/pkg/log"
)

// ErrClosed is returned by a second Close.
var ErrClosed = errors.New(errors.ErrCodeCacheClosed, "cache is closed").Err()

const shardCount = 32

// Config tunes expiry and cleanup.
type Config struct {
	// ExpiredTime is how long an entry may go unread once past its
	// grace period.
	ExpiredTime time.Duration `yaml:"expired_time"`

	// BufferTime is the grace period after creation during which an
	// entry never expires.
	BufferTime time.Duration `yaml:"buffer_time"`

	// Entries used this many times or fewer expire once past the grace
	// period.
	MinUseThreshold int64 `yaml:"min_use_threshold"`

	// A sweep is forced after this many processed list commands.
	MandatoryCleanThreshold int `yaml:"mandatory_clean_threshold"`
}

// DefaultConfig returns the stock tuning: 7 days, 1 day, 100 uses, and a
// forced sweep every 10000 commands.
func DefaultConfig() Config {
	return Config{
		ExpiredTime:             7 * 24 * time.Hour,
		BufferTime:              24 * time.Hour,
		MinUseThreshold:         100,
		MandatoryCleanThreshold: 10000,
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Puts      int64
	Removes   int64
	Evictions int64
	Reclaimed int64
	Sweeps    int64
	Panics    int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Cache is a translation cache. Create it with New and release it with
// Close.
type Cache struct {
	cfg    Config
	now    func() time.Time
	logger *log.Logger

	shards [shardCount]shard

	// Command queue, guarded by qmu. idle is signalled when the writer
	// has nothing left to do.
	qmu          sync.Mutex
	idle         *sync.Cond
	queue        commandQueue
	seq          uint64
	busy         bool
	closing      bool
	clearPending bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	// Owned by the writer goroutine.
	head, tail   *entry
	listLen      int
	untilCleanup int

	teardown sync.Locker
	closed   atomic.Bool

	// processHook runs before each command; tests use it to inject faults.
	processHook func(*command)

	hits, misses, puts, removes  atomic.Int64
	evictions, reclaimed, sweeps atomic.Int64
	panics                       atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithTeardownLock sets the lock held by Close.
func WithTeardownLock(l sync.Locker) Option {
	return func(c *Cache) {
		c.teardown = l
	}
}

// New creates a cache and starts its writer goroutine.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MandatoryCleanThreshold <= 0 {
		cfg.MandatoryCleanThreshold = def.MandatoryCleanThreshold
	}

	c := &Cache{
		cfg:      cfg,
		now:      time.Now,
		logger:   log.Default(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		teardown: &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.idle = sync.NewCond(&c.qmu)
	c.untilCleanup = cfg.MandatoryCleanThreshold
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}

	go c.run()

	c.logger.Cache().Debug("cache started",
		"expired_time", cfg.ExpiredTime.String(),
		"buffer_time", cfg.BufferTime.String(),
		"min_use_threshold", cfg.MinUseThreshold,
		"mandatory_clean_threshold", cfg.MandatoryCleanThreshold,
	)
	return c
}

// Config returns the cache's tuning.
func (c *Cache) Config() Config {
	return c.cfg
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

func (c *Cache) nowNano() int64 {
	return c.now().UnixNano()
}

// Put creates or updates the entry for key.
func (c *Cache) Put(key, value string) {
	if c.closed.Load() {
		return
	}
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed.Load() {
		return
	}

	if e, ok := s.entries[key]; ok {
		e.store(value)
		c.enqueue(&command{kind: cmdMoveHead, entry: e})
	} else {
		e := newEntry(key, value, c.nowNano())
		s.entries[key] = e
		c.enqueue(&command{kind: cmdAddHead, entry: e})
	}
	c.puts.Add(1)
	c.requestSweep()
}

// Get returns the value for key. Absent, expired and reclaimed entries
// are a miss; expired and reclaimed entries are dropped on the way.
func (c *Cache) Get(key string) (string, bool) {
	if c.closed.Load() {
		return "", false
	}
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		c.misses.Add(1)
		return "", false
	}

	now := c.nowNano()
	text, present := e.load()
	if !present || c.expired(e, now) {
		delete(s.entries, key)
		e.removed.Store(true)
		c.enqueue(&command{kind: cmdUnlink, entry: e})
		c.requestSweep()
		c.misses.Add(1)
		return "", false
	}

	e.useCount.Add(1)
	e.lastAccess.Store(now)
	c.enqueue(&command{kind: cmdMoveHead, entry: e})
	c.requestSweep()
	c.hits.Add(1)
	return text, true
}

// Remove detaches and clears the entry for key, if any.
func (c *Cache) Remove(key string) {
	if c.closed.Load() {
		return
	}
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	e.removed.Store(true)
	e.reclaim()
	c.enqueue(&command{kind: cmdUnlink, entry: e})
	c.removes.Add(1)
}

// Reclaim drops the value held for key while keeping the entry. The key
// reads as a miss until it is put again.
func (c *Cache) Reclaim(key string) {
	if c.closed.Load() {
		return
	}
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.reclaim() {
		c.reclaimed.Add(1)
	}
}

// ReclaimFraction drops the values of the coldest fraction of the list,
// counted from the tail. It runs on the writer goroutine.
func (c *Cache) ReclaimFraction(f float64) {
	if f <= 0 {
		return
	}
	if f > 1 {
		f = 1
	}
	c.enqueue(&command{kind: cmdReclaim, fraction: f})
	c.requestSweep()
}

// MemoryPressure is the hook a host calls when memory is short. It
// reclaims the colder half of the cache.
func (c *Cache) MemoryPressure() {
	c.logger.Cache().Info("memory pressure signalled")
	c.ReclaimFraction(0.5)
}

// Sweep requests a cleanup pass.
func (c *Cache) Sweep() {
	c.requestSweep()
}

// Drain blocks until every queued command has been processed.
func (c *Cache) Drain() {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for (c.queue.Len() > 0 || c.busy) && !c.closing {
		c.idle.Wait()
	}
}

// Len returns the number of keys in the lookup map.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Puts:      c.puts.Load(),
		Removes:   c.removes.Load(),
		Evictions: c.evictions.Load(),
		Reclaimed: c.reclaimed.Load(),
		Sweeps:    c.sweeps.Load(),
		Panics:    c.panics.Load(),
	}
}

// Close stops the writer, waits for it to exit and clears every entry.
// Later Put, Get and Remove calls do nothing; a second Close returns
// ErrClosed.
func (c *Cache) Close() error {
	c.teardown.Lock()
	defer c.teardown.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	c.qmu.Lock()
	c.closing = true
	pending := c.queue.Len()
	for _, cmd := range c.queue {
		if cmd.done != nil {
			close(cmd.done)
		}
	}
	c.queue = nil
	c.idle.Broadcast()
	c.qmu.Unlock()

	close(c.stop)
	<-c.done

	// The writer has exited; the list is ours now.
	cleared := c.listLen
	for e := c.head; e != nil; {
		next := e.next
		e.prev, e.next, e.linked = nil, nil, false
		e.reclaim()
		e = next
	}
	c.head, c.tail, c.listLen = nil, nil, 0

	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.entries = make(map[string]*entry)
		s.mu.Unlock()
	}

	c.logger.Cache().Info("cache closed", "cleared", cleared, "dropped_commands", pending)
	return nil
}

// enqueue adds cmd to the queue and wakes the writer. Commands arriving
// after Close are dropped.
func (c *Cache) enqueue(cmd *command) bool {
	c.qmu.Lock()
	if c.closing {
		c.qmu.Unlock()
		return false
	}
	c.seq++
	cmd.seq = c.seq
	heap.Push(&c.queue, cmd)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// requestSweep queues a CLEAR unless one is already pending.
func (c *Cache) requestSweep() {
	c.qmu.Lock()
	if c.clearPending || c.closing {
		c.qmu.Unlock()
		return
	}
	c.clearPending = true
	c.qmu.Unlock()

	if !c.enqueue(&command{kind: cmdClear}) {
		c.qmu.Lock()
		c.clearPending = false
		c.qmu.Unlock()
	}
}

// expired applies the hybrid policy: never inside the grace period,
// afterwards when rarely used or idle for too long.
func (c *Cache) expired(e *entry, now int64) bool {
	if now < e.createdAt+int64(c.cfg.BufferTime) {
		return false
	}
	return e.useCount.Load() <= c.cfg.MinUseThreshold ||
		now > e.lastAccess.Load()+int64(c.cfg.ExpiredTime)
}
