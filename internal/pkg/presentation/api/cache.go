package api

import (
	"sync"
)

// cacheKey identifies one compiled result: a device, the calendar day
// (or window start) it covers, and the kind it was compiled as.
type cacheKey struct {
	devID string
	day   string
	kind  string
}

// resultCache is a simplified in-memory stand-in for
// app_history/dac_hist.rs's on-disk partial-query cache: no
// retrieved original_source file describes its exact on-disk layout
// (cache_files.rs was not part of the retrieved pack), so this keeps
// the concept -- reuse identical /comp-<kind> results within the same
// day -- without replicating a file format nothing in the corpus
// shows.
type resultCache struct {
	mu      sync.Mutex
	entries map[cacheKey][]byte
}

func newResultCache() *resultCache {
	return &resultCache{entries: map[cacheKey][]byte{}}
}

func (c *resultCache) get(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.entries[key]
	return body, ok
}

func (c *resultCache) put(key cacheKey, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = body
}

// clear drops every cached entry for devID, or the whole cache when
// devID is empty, mirroring process_clear_cache's "clear one device or
// everything" contract.
func (c *resultCache) clear(devID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if devID == "" {
		n := len(c.entries)
		c.entries = map[cacheKey][]byte{}
		return n
	}

	n := 0
	for key := range c.entries {
		if key.devID == devID {
			delete(c.entries, key)
			n++
		}
	}
	return n
}
