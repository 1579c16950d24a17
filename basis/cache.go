package basis

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// OperatorCache is an LRU cache of basis operators keyed by frequency axis,
// delay half-width and eigenvalue cutoff. It is safe for concurrent use.
// Cached matrices are shared between callers and must not be modified.
type OperatorCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key string
	op  *mat.Dense
}

// CacheStats reports cache occupancy and effectiveness.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64 // percent
}

// NewOperatorCache creates a cache holding at most maxSize operators.
// maxSize <= 0 means unbounded.
func NewOperatorCache(maxSize int) *OperatorCache {
	return &OperatorCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// cacheKey identifies an operator request. The frequency axis is reduced to
// an FNV-1a digest of its float bits.
func cacheKey(freqs []float64, halfWidth, cutoff float64) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, f := range freqs {
		bits := math.Float64bits(f)
		for i := range buf {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	}
	return fmt.Sprintf("%d/%016x/%x/%x", len(freqs), h.Sum64(),
		math.Float64bits(halfWidth), math.Float64bits(cutoff))
}

// Get returns the operator stored under key.
func (c *OperatorCache) Get(key string) (*mat.Dense, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).op, true
	}
	c.misses++
	return nil, false
}

// Put stores op under key, evicting the least recently used operators when
// the cache is full.
func (c *OperatorCache) Put(key string, op *mat.Dense) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).op = op
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, op: op})

	for c.maxSize > 0 && c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns a snapshot of the cache statistics.
func (c *OperatorCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// Clear drops all entries and resets the statistics.
func (c *OperatorCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.lru = list.New()
	c.hits, c.misses = 0, 0
}
