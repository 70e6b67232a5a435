package relay

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/statecast-project/statecast/pkg/delta"
)

const (
	cacheSweepEvery   = 10 * time.Second // janitor wake-up
	ttlBase           = 40 * time.Second // cold entry expires after this
	ttlHitBonus       = 4 * time.Second  // each extra read adds this much TTL
	maxTrackedEntries = 100_000          // hard memory cap
)

// baselineEntry holds the latest stored record of one instance so busy
// publishers skip the store read. Entries are read-only once cached.
type baselineEntry struct {
	rec      delta.Record
	lastRead int64 // unix-nsec; atomic
	hitCount uint32
}

type baselineCache struct {
	mu     sync.RWMutex
	data   map[string]*baselineEntry
	stopCh chan struct{}
}

// newBaselineCache returns a cache with a janitor that evicts cold
// entries.
func newBaselineCache() *baselineCache {
	c := &baselineCache{
		data:   make(map[string]*baselineEntry, 1024),
		stopCh: make(chan struct{}),
	}
	go c.janitor()
	return c
}

// close stops the janitor and clears the cache.
func (c *baselineCache) close() {
	close(c.stopCh)
	c.mu.Lock()
	for _, e := range c.data {
		e.rec = nil
	}
	c.data = nil
	c.mu.Unlock()
}

func (c *baselineCache) evictCold() {
	now := time.Now()

	c.mu.Lock()
	for k, e := range c.data {
		age := now.Sub(time.Unix(0, atomic.LoadInt64(&e.lastRead)))
		ttl := ttlBase + time.Duration(atomic.LoadUint32(&e.hitCount))*ttlHitBonus
		if age > ttl {
			delete(c.data, k)
		} else {
			// decay hit counter so old popularity fades
			if hc := atomic.LoadUint32(&e.hitCount); hc > 0 {
				atomic.StoreUint32(&e.hitCount, hc/2)
			}
		}
	}
	c.mu.Unlock()
}

// janitor evicts cold entries. Cheap O(n) scan every 10 s.
func (c *baselineCache) janitor() {
	ticker := time.NewTicker(cacheSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictCold()
		case <-c.stopCh:
			return
		}
	}
}

// get returns nil on a miss.
func (c *baselineCache) get(key string) delta.Record {
	c.mu.RLock()
	entry := c.data[key]
	c.mu.RUnlock()

	if entry == nil {
		return nil
	}

	atomic.AddUint32(&entry.hitCount, 1)
	atomic.StoreInt64(&entry.lastRead, time.Now().UnixNano())
	return entry.rec
}

// set overwrites (or creates) the entry.
func (c *baselineCache) set(key string, rec delta.Record) {
	entry := &baselineEntry{rec: rec, lastRead: time.Now().UnixNano()}
	c.mu.Lock()
	if c.data != nil && len(c.data) < maxTrackedEntries {
		c.data[key] = entry
	}
	c.mu.Unlock()
}

// drop removes the entry, if any.
func (c *baselineCache) drop(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// dropPrefix removes every entry whose key starts with prefix.
func (c *baselineCache) dropPrefix(prefix string) {
	c.mu.Lock()
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	c.mu.Unlock()
}
