package training

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-dcvae/tensor"
)

// SampleCache keeps recently read samples in memory and evicts the least
// recently used one once it holds more than maxItems.
type SampleCache struct {
	mu       sync.Mutex
	items    map[int]*list.Element
	lru      *list.List
	maxItems int

	hits   int64
	misses int64
}

type cacheEntry struct {
	idx           int
	input, target *tensor.Tensor
}

// NewSampleCache creates a cache of at most maxItems samples
func NewSampleCache(maxItems int) *SampleCache {
	return &SampleCache{
		items:    make(map[int]*list.Element),
		lru:      list.New(),
		maxItems: maxItems,
	}
}

// Get returns a cached sample and marks it recently used
func (c *SampleCache) Get(idx int) (input, target *tensor.Tensor, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[idx]
	if !ok {
		c.misses++
		return nil, nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	e := elem.Value.(*cacheEntry)
	return e.input, e.target, true
}

// Put stores a sample, evicting the oldest entries when full
func (c *SampleCache) Put(idx int, input, target *tensor.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[idx]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.items[idx] = c.lru.PushFront(&cacheEntry{idx: idx, input: input, target: target})

	for c.lru.Len() > c.maxItems {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).idx)
	}
}

// Clear drops every entry; statistics are kept
func (c *SampleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[int]*list.Element)
	c.lru.Init()
}

// Stats returns cache statistics
func (c *SampleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Size: c.lru.Len(), MaxSize: c.maxItems, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}

// CachedDataset reads through a SampleCache. Cached tensors are shared, so
// callers must not modify them; DataLoader copies samples into each batch.
type CachedDataset struct {
	Dataset
	cache *SampleCache
}

// NewCachedDataset wraps ds with a cache of maxItems samples
func NewCachedDataset(ds Dataset, maxItems int) *CachedDataset {
	return &CachedDataset{Dataset: ds, cache: NewSampleCache(maxItems)}
}

func (cd *CachedDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if in, target, ok := cd.cache.Get(idx); ok {
		return in, target, nil
	}
	in, target, err := cd.Dataset.Get(idx)
	if err != nil {
		return nil, nil, err
	}
	cd.cache.Put(idx, in, target)
	return in, target, nil
}

// Stats reports the hit rate of the underlying cache
func (cd *CachedDataset) Stats() CacheStats {
	return cd.cache.Stats()
}
