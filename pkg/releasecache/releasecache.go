// Package releasecache tracks, per site, the release ids that have already
// been evaluated against subscriptions.
package releasecache

import "sync"

// Cache is a set of release ids per site. Entries are never removed.
type Cache struct {
	mu    sync.RWMutex
	sites map[string]map[int64]struct{}
}

// New creates a cache with an empty set for every named site.
func New(sites ...string) *Cache {
	c := &Cache{sites: make(map[string]map[int64]struct{}, len(sites))}
	for _, name := range sites {
		c.sites[name] = make(map[int64]struct{})
	}

	return c
}

// Seen reports whether the release id was recorded for the site.
func (c *Cache) Seen(site string, id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.sites[site][id]

	return ok
}

// Record adds the release id for the site and reports whether it was new.
func (c *Cache) Record(site string, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, ok := c.sites[site]
	if !ok {
		ids = make(map[int64]struct{})
		c.sites[site] = ids
	}

	if _, ok := ids[id]; ok {
		return false
	}

	ids[id] = struct{}{}

	return true
}

// Len returns the number of recorded ids for the site. Zero means the site
// is cold.
func (c *Cache) Len(site string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.sites[site])
}
