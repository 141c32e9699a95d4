package core

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// blockCache is the in-memory front for frequently-pulled blocks (§4.1's
// cache_max_size / cache_max_file_size), backed by hashicorp's LRU as the
// teacher's core_keep/storage.go uses for its own diskLRU front-end. Unlike
// the on-disk store, eviction here just drops a cached byte slice; the
// authoritative copy stays in the BlockStore's backing files.
type blockCache struct {
	mu          sync.Mutex
	entries     *lru.Cache[Identifier, []byte]
	maxFileSize int64
	size        int64
	maxSize     int64
}

func newBlockCache(maxEntries int, maxSize, maxFileSize int64) (*blockCache, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	c := &blockCache{maxFileSize: maxFileSize, maxSize: maxSize}
	entries, err := lru.NewWithEvict(maxEntries, func(_ Identifier, value []byte) {
		c.size -= int64(len(value))
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

func (c *blockCache) get(digest Identifier) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries.Get(digest)
	return v, ok
}

func (c *blockCache) put(digest Identifier, data []byte) {
	if int64(len(data)) > c.maxFileSize {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries.Peek(digest); ok {
		c.size -= int64(len(old))
	}
	for c.size+int64(len(data)) > c.maxSize && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
	c.entries.Add(digest, data)
	c.size += int64(len(data))
}

func (c *blockCache) remove(digest Identifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(digest)
}

func (c *blockCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
