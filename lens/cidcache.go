package lens

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSentCacheSize is the number of CIDs a client remembers as already
// known to the server.
const DefaultSentCacheSize = 10000

// SentCache tracks which content items the server has confirmed receiving,
// letting clients send bare CIDs instead of full payloads. Entries are only
// an optimization: a stale entry is corrected by the server's cid_not_found
// response, which evicts it and triggers a resend.
type SentCache struct {
	cache *lru.Cache[string, struct{}]
}

// NewSentCache returns a cache bounded to size entries, or
// DefaultSentCacheSize when size is not positive.
func NewSentCache(size int) *SentCache {
	if size <= 0 {
		size = DefaultSentCacheSize
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil { // only reachable with a non-positive size
		panic(err)
	}
	return &SentCache{cache: cache}
}

// MarkSent records that the server holds the content behind cid.
func (c *SentCache) MarkSent(cid string) {
	c.cache.Add(cid, struct{}{})
}

// IsSent reports whether cid was previously marked sent and not since
// evicted. A hit refreshes the entry's recency.
func (c *SentCache) IsSent(cid string) bool {
	_, ok := c.cache.Get(cid)
	return ok
}

// Evict forgets a single entry, forcing the next use to resend content.
func (c *SentCache) Evict(cid string) {
	c.cache.Remove(cid)
}

// Clear drops all entries, forcing full resends. Used when the client
// reconnects to a server whose store may have been wiped.
func (c *SentCache) Clear() {
	c.cache.Purge()
}

// Len returns the current number of tracked CIDs.
func (c *SentCache) Len() int {
	return c.cache.Len()
}
