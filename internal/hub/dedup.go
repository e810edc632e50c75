package hub

import "container/list"

const (
	dedupMaxEntries  = 1000
	dedupKeepEntries = 100
)

type dedupEntry struct {
	key     string
	payload string
}

// DedupCache remembers the last payload sent per (domain, type) pair.
// Entries are kept in insertion order; overwriting a key does not move it. Once the cache
// grows past its limit only the most recently inserted entries survive.
// Not safe for concurrent use.
type DedupCache struct {
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	keep       int
}

// NewDedupCache creates a cache holding at most 1000 entries, trimmed to the newest 100 on overflow.
func NewDedupCache() *DedupCache {
	return newDedupCache(dedupMaxEntries, dedupKeepEntries)
}

func newDedupCache(maxEntries, keep int) *DedupCache {
	return &DedupCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		keep:       keep,
	}
}

func dedupKey(siteDomain, msgType string) string {
	return siteDomain + ":" + msgType
}

// Check reports whether payload is exactly the last one recorded for (siteDomain, msgType).
func (c *DedupCache) Check(siteDomain, msgType, payload string) bool {
	el, ok := c.entries[dedupKey(siteDomain, msgType)]
	if !ok {
		return false
	}
	return el.Value.(*dedupEntry).payload == payload
}

// Contains reports whether any payload is recorded for (siteDomain, msgType).
func (c *DedupCache) Contains(siteDomain, msgType string) bool {
	_, ok := c.entries[dedupKey(siteDomain, msgType)]
	return ok
}

// Record stores payload for (siteDomain, msgType) and returns how many entries were evicted.
func (c *DedupCache) Record(siteDomain, msgType, payload string) int {
	key := dedupKey(siteDomain, msgType)
	if el, ok := c.entries[key]; ok {
		el.Value.(*dedupEntry).payload = payload
		return 0
	}

	c.entries[key] = c.order.PushBack(&dedupEntry{key: key, payload: payload})
	if c.order.Len() <= c.maxEntries {
		return 0
	}
	return c.evict()
}

func (c *DedupCache) evict() int {
	evicted := 0
	for c.order.Len() > c.keep {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupEntry).key)
		evicted++
	}
	return evicted
}

// Len returns the number of entries held.
func (c *DedupCache) Len() int {
	return c.order.Len()
}
