package carbon

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/clock"
)

// Cache provides thread-safe caching of carbon readings with TTL
type Cache struct {
	data   map[string]*cacheEntry
	mutex  sync.RWMutex
	ttl    time.Duration
	maxAge time.Duration
	clock  clock.Clock
	stopCh chan struct{}
	once   sync.Once

	hits   int64
	misses int64
}

type cacheEntry struct {
	reading  *Reading
	storedAt time.Time
}

// NewCache creates a cache that serves entries for ttl and drops them after maxAge
func NewCache(ttl, maxAge time.Duration) *Cache {
	return newCacheWithClock(ttl, maxAge, clock.RealClock{})
}

func newCacheWithClock(ttl, maxAge time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}

	c := &Cache{
		data:   make(map[string]*cacheEntry),
		ttl:    ttl,
		maxAge: maxAge,
		clock:  clk,
		stopCh: make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the reading for zone if it is younger than the TTL
func (c *Cache) Get(zone string) (*Reading, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.data[zone]
	if !ok || c.clock.Since(entry.storedAt) > c.ttl {
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.reading, true
}

// Set stores a reading. An estimated reading does not replace a measured one
// unless it is more than an hour newer.
func (c *Cache) Set(zone string, r *Reading) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, ok := c.data[zone]; ok && r.IsEstimated && !existing.reading.IsEstimated {
		if r.Datetime.Sub(existing.reading.Datetime) < time.Hour {
			klog.V(3).InfoS("Skipping estimated carbon reading, measured reading cached",
				"zone", zone,
				"existing", existing.reading.Datetime,
				"new", r.Datetime)
			return
		}
	}

	c.data[zone] = &cacheEntry{reading: r, storedAt: c.clock.Now()}
	klog.V(4).InfoS("Cached carbon reading",
		"zone", zone,
		"intensity", r.CarbonIntensity,
		"isEstimated", r.IsEstimated)
}

// Stats returns cache hits and misses
func (c *Cache) Stats() (hits, misses int64) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.hits, c.misses
}

// Size returns the number of entries in the cache
func (c *Cache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for zone, entry := range c.data {
		if age := c.clock.Since(entry.storedAt); age > c.maxAge {
			delete(c.data, zone)
			klog.V(4).InfoS("Removed expired carbon reading", "zone", zone, "age", age.String())
		}
	}
}

// Close stops the cleanup goroutine
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}
