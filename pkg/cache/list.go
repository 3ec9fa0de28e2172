package cache

import (
	"container/heap"
	"fmt"
	"sync/atomic"

	"github.com/ha1tch/sqlconv/pkg/errors"
)

// value is the two-state payload of an entry: Present(text) or Reclaimed.
type value struct {
	text      string
	reclaimed bool
}

var reclaimedValue = &value{reclaimed: true}

// entry is a cache node. The map owns it by key, the list by link.
// prev, next and linked belong to the writer goroutine.
type entry struct {
	key       string
	val       atomic.Pointer[value]
	createdAt int64

	useCount   atomic.Int64
	lastAccess atomic.Int64

	// removed is set once the entry has left the lookup map.
	removed atomic.Bool

	prev, next *entry
	linked     bool
}

func newEntry(key, text string, now int64) *entry {
	e := &entry{key: key, createdAt: now}
	e.val.Store(&value{text: text})
	e.lastAccess.Store(now)
	return e
}

func (e *entry) load() (string, bool) {
	v := e.val.Load()
	if v == nil || v.reclaimed {
		return "", false
	}
	return v.text, true
}

func (e *entry) store(text string) {
	e.val.Store(&value{text: text})
}

// reclaim drops the value. It reports whether a present value was dropped.
func (e *entry) reclaim() bool {
	old := e.val.Swap(reclaimedValue)
	return old != nil && !old.reclaimed
}

func (e *entry) isReclaimed() bool {
	v := e.val.Load()
	return v == nil || v.reclaimed
}

// ----------------------------------------------------------------------------
// Writer goroutine
// ----------------------------------------------------------------------------

func (c *Cache) run() {
	defer close(c.done)

	for {
		cmd, ok := c.next()
		if !ok {
			return
		}
		c.process(cmd)

		c.qmu.Lock()
		c.busy = false
		if c.queue.Len() == 0 {
			c.idle.Broadcast()
		}
		c.qmu.Unlock()
	}
}

// next blocks until a command is available or the cache is closing.
func (c *Cache) next() (*command, bool) {
	c.qmu.Lock()
	for c.queue.Len() == 0 && !c.closing {
		c.idle.Broadcast()
		c.qmu.Unlock()
		select {
		case <-c.wake:
		case <-c.stop:
		}
		c.qmu.Lock()
	}
	if c.closing {
		c.qmu.Unlock()
		return nil, false
	}
	cmd := heap.Pop(&c.queue).(*command)
	c.busy = true
	c.qmu.Unlock()
	return cmd, true
}

// process runs one command. A panic is logged and the loop carries on.
func (c *Cache) process(cmd *command) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			err := errors.Newf(errors.ErrCodePanic, "cache writer panic: %v", r).
				Critical().
				WithStack().
				WithField("command", cmd.kind.String()).
				WithOp("Cache.process").
				Err()
			c.logger.Cache().Error("command failed", err, "command", cmd.kind.String())
		}
		if cmd.done != nil {
			close(cmd.done)
		}
	}()

	if c.processHook != nil {
		c.processHook(cmd)
	}

	switch cmd.kind {
	case cmdAddHead, cmdMoveHead:
		if cmd.entry.removed.Load() {
			return
		}
		if cmd.entry.linked {
			c.moveToHead(cmd.entry)
		} else {
			c.pushHead(cmd.entry)
		}
		c.countUpdate()

	case cmdUnlink:
		if cmd.entry.linked {
			c.unlink(cmd.entry)
		}
		c.countUpdate()

	case cmdReclaim:
		c.reclaimTail(cmd.fraction)

	case cmdInspect:
		cmd.inspect(c)

	case cmdClear:
		c.sweep()
	}
}

// countUpdate forces a sweep every MandatoryCleanThreshold list commands,
// so cleanup happens even while CLEAR keeps losing to updates.
func (c *Cache) countUpdate() {
	c.untilCleanup--
	if c.untilCleanup <= 0 {
		c.sweep()
	}
}

// sweep drops pending CLEARs, then evicts expired and reclaimed entries
// from the tail until the tail is live.
func (c *Cache) sweep() {
	c.qmu.Lock()
	c.queue.dropClears()
	c.clearPending = false
	c.qmu.Unlock()

	now := c.nowNano()
	evicted := 0
	for c.tail != nil {
		e := c.tail
		if !e.isReclaimed() && !c.expired(e, now) {
			break
		}
		c.evict(e)
		evicted++
	}
	c.untilCleanup = c.cfg.MandatoryCleanThreshold
	c.sweeps.Add(1)

	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		c.logger.Cache().Debug("sweep finished", "evicted", evicted, "remaining", c.listLen)
	}
}

// evict unlinks e and removes it from the map if the map still holds it.
func (c *Cache) evict(e *entry) {
	c.unlink(e)

	s := c.shardFor(e.key)
	s.mu.Lock()
	if cur, ok := s.entries[e.key]; ok && cur == e {
		delete(s.entries, e.key)
	}
	e.removed.Store(true)
	s.mu.Unlock()

	c.logger.Cache().Debug("entry evicted", "key", e.key)
}

// reclaimTail drops the values of the coldest fraction of the list.
func (c *Cache) reclaimTail(fraction float64) {
	n := int(float64(c.listLen)*fraction + 0.5)
	dropped := 0
	for e := c.tail; e != nil && n > 0; e = e.prev {
		if e.reclaim() {
			dropped++
		}
		n--
	}
	c.reclaimed.Add(int64(dropped))
	c.logger.Cache().Debug("values reclaimed", "count", dropped, "fraction", fraction)
}

// ----------------------------------------------------------------------------
// List operations (writer only)
// ----------------------------------------------------------------------------

func (c *Cache) pushHead(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
	e.linked = true
	c.listLen++
}

func (c *Cache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
	e.linked = false
	c.listLen--
}

func (c *Cache) moveToHead(e *entry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushHead(e)
}

// ----------------------------------------------------------------------------
// Inspection
// ----------------------------------------------------------------------------

// inspect runs fn on the writer goroutine after every command queued
// before it. It returns false if the cache is closed.
func (c *Cache) inspect(fn func(*Cache)) bool {
	cmd := &command{kind: cmdInspect, inspect: fn, done: make(chan struct{})}
	if !c.enqueue(cmd) {
		return false
	}
	<-cmd.done
	return true
}

// ListLen returns the length of the recency list.
func (c *Cache) ListLen() int {
	n := 0
	c.inspect(func(c *Cache) { n = c.listLen })
	return n
}

// Keys returns the keys in recency order, most recent first.
func (c *Cache) Keys() []string {
	var keys []string
	c.inspect(func(c *Cache) {
		keys = make([]string, 0, c.listLen)
		for e := c.head; e != nil; e = e.next {
			keys = append(keys, e.key)
		}
	})
	return keys
}

// CheckList verifies the recency list: no cycles, consistent back links,
// no node twice, and one node per key in the lookup map. Run it once the
// cache is quiescent.
func (c *Cache) CheckList() error {
	var err error
	ok := c.inspect(func(c *Cache) {
		err = c.checkList()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

func (c *Cache) checkList() error {
	seen := make(map[*entry]struct{}, c.listLen)
	var prev *entry
	count := 0

	for e := c.head; e != nil; e = e.next {
		if _, dup := seen[e]; dup {
			return listError("node %q appears twice or the list has a cycle", e.key)
		}
		seen[e] = struct{}{}
		if e.prev != prev {
			return listError("broken back link at %q", e.key)
		}
		if !e.linked {
			return listError("node %q is in the list but not marked linked", e.key)
		}
		prev = e
		count++
	}
	if c.tail != prev {
		return listError("tail does not match the last node")
	}
	if count != c.listLen {
		return listError("list length %d, counted %d", c.listLen, count)
	}

	mapped := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if _, ok := seen[e]; !ok {
				s.mu.Unlock()
				return listError("key %q is mapped but not in the list", k)
			}
			mapped++
		}
		s.mu.Unlock()
	}
	if mapped != count {
		return listError("list holds %d nodes, map holds %d keys", count, mapped)
	}
	return nil
}

func listError(format string, args ...interface{}) error {
	return errors.Internal(fmt.Sprintf(format, args...)).WithOp("Cache.CheckList").Err()
}
