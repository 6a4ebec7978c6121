// Package idempotency tracks recently dispatched runs so a redelivered
// message can be recognized and dropped instead of executed twice.
package idempotency

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is what the catalog remembers about a dispatched run.
type Entry struct {
	RunID        string
	WorkerQueue  string
	DispatchedAt time.Time
}

// Catalog remembers the most recently dispatched runs up to a fixed
// capacity, evicting the least recently seen entry first. It is safe for
// concurrent use.
type Catalog struct {
	cache *lru.Cache[string, Entry]
}

// NewCatalog builds a catalog holding at most capacity entries. A capacity
// of zero or less disables tracking entirely: every lookup misses and
// nothing is retained.
func NewCatalog(capacity int) (*Catalog, error) {
	if capacity <= 0 {
		return &Catalog{}, nil
	}

	cache, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Catalog{cache: cache}, nil
}

// Register stores an entry under its hash and reports whether the hash was
// already present. An existing hash is updated in place with refreshed
// recency; a collision is an overwrite, not an error.
func (c *Catalog) Register(hash string, e Entry) bool {
	if c.cache == nil {
		return false
	}

	_, present := c.cache.Get(hash)
	c.cache.Add(hash, e)
	return present
}

// Get returns the entry for a hash, refreshing its recency on a hit.
func (c *Catalog) Get(hash string) (Entry, bool) {
	if c.cache == nil {
		return Entry{}, false
	}
	return c.cache.Get(hash)
}

// Forget drops a hash, typically after its claim was released so a
// legitimate retry is not mistaken for a duplicate.
func (c *Catalog) Forget(hash string) {
	if c.cache == nil {
		return
	}
	c.cache.Remove(hash)
}

// Len returns the number of tracked entries.
func (c *Catalog) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
