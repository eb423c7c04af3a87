// ABOUTME: Tests for the dedupe cache
// ABOUTME: Validates TTL expiry, capacity eviction, forgetting and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newWithClock(ttl, size, clock.now)
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("req-1"), "first sighting is new")
	assert.True(t, c.CheckAndMark("req-1"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("req-2"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("req-1")
	assert.True(t, c.Seen("req-1"))

	clock.advance(time.Minute)
	assert.False(t, c.Seen("req-1"))
	assert.False(t, c.CheckAndMark("req-1"), "expired keys count as new")
}

func TestCache_MarkRefreshes(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("req-1")
	clock.advance(40 * time.Second)
	c.Mark("req-1")
	clock.advance(40 * time.Second)

	assert.True(t, c.Seen("req-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	for i := range 4 {
		c.Mark(fmt.Sprintf("req-%d", i))
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("req-0"))
	assert.True(t, c.Seen("req-3"))
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 10)

	c.Mark("req-1")
	c.Forget("req-1")
	c.Forget("never-marked")

	assert.False(t, c.Seen("req-1"))
	assert.Zero(t, c.Len())
}

func TestCache_ExpireStopsAtLiveEntry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("old")
	clock.advance(50 * time.Second)
	c.Mark("new")
	clock.advance(20 * time.Second)

	c.expire()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for range 50 {
		wg.Go(func() {
			if !c.CheckAndMark("same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
