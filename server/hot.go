package server

import (
	lru "github.com/hashicorp/golang-lru"
)

// hotCache keeps the bytes of recently served images in memory, keyed by
// content hash. Content under a hash never changes, so entries need no
// invalidation when the cache index changes.
type hotCache struct {
	lru     *lru.Cache
	maxItem int64
}

func newHotCache(entries int, maxItem int64) (*hotCache, error) {
	c, err := lru.New(entries)
	if err != nil {
		return nil, err
	}
	return &hotCache{lru: c, maxItem: maxItem}, nil
}

func (h *hotCache) get(contentHash string) ([]byte, bool) {
	if h == nil || contentHash == "" {
		return nil, false
	}
	v, ok := h.lru.Get(contentHash)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (h *hotCache) add(contentHash string, data []byte) {
	if h == nil || contentHash == "" || int64(len(data)) > h.maxItem {
		return
	}
	h.lru.Add(contentHash, data)
}

func (h *hotCache) len() int {
	if h == nil {
		return 0
	}
	return h.lru.Len()
}
