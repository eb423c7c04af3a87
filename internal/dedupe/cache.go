// ABOUTME: Thread-safe TTL cache of recently seen keys
// ABOUTME: The AI listener uses it to drop redelivered responses

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers keys for a TTL, holding at most maxSize of them. When full,
// the key marked longest ago is evicted first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	return newWithClock(ttl, maxSize, time.Now)
}

func newWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval(ttl))
	return c
}

// sweepInterval keeps sweeps at most a minute apart and no tighter than a second.
func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl, time.Second), time.Minute)
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && c.live(e)
}

// CheckAndMark marks key and reports whether it was already live.
// A true result means the caller is looking at a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.live(e) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key so a later delivery is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) live(e *entry) bool {
	return c.now().Sub(e.seenAt) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.entries, oldest)
		}
	}

	c.entries[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries past their TTL. The list is in mark order, so the
// walk stops at the first live entry.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.entries[key]
		if c.live(e) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
