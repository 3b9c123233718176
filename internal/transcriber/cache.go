package transcriber

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
)

// Cache is a process-wide LRU of per-chunk recognition results, keyed by the
// content hash of the chunk samples plus the recogniser configuration hash.
// Identical audio under identical settings is served without an external
// call. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key    string
	result TranscribedChunk
}

// NewCache creates an LRU cache holding up to capacity results.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Get returns the cached result for key, if present.
func (c *Cache) Get(key string) (TranscribedChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return TranscribedChunk{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.(*cacheEntry).result, true
}

// Put stores a result, evicting the least recently used entry at capacity.
func (c *Cache) Put(key string, result TranscribedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).result = result
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, result: result})
}

// Purge drops every entry. Invoked on governor memory-pressure signals.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.capacity)
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// cacheKey derives the cache key from the chunk samples and the stage's
// configuration fingerprint.
func cacheKey(samples []float32, configHash string) string {
	h := sha256.New()
	var buf [4]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(s))
		h.Write(buf[:])
	}
	h.Write([]byte(configHash))
	return hex.EncodeToString(h.Sum(nil))
}
