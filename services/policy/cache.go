package policy

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CacheKey identifies a cached tenant policy set.
type CacheKey struct {
	TenantID uuid.UUID
}

// String returns a string representation of the cache key
func (k CacheKey) String() string {
	return k.TenantID.String()
}

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	key        CacheKey
	snapshot   *Snapshot
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(ttl time.Duration) bool {
	return time.Since(e.insertedAt) > ttl
}

// Cache is an in-memory LRU cache with TTL for tenant policy snapshots.
// Thread-safe via sync.Mutex; entries are invalidated explicitly on policy
// update in addition to expiring by TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
}

// NewCache creates a Cache with the given max size and TTL.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves a tenant's snapshot, or nil when absent or expired.
func (c *Cache) Get(key CacheKey) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	entry, exists := c.entries[keyStr]
	if !exists || entry.isExpired(c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(keyStr)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.snapshot
}

// Set stores a tenant's snapshot.
func (c *Cache) Set(key CacheKey, snapshot *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	if entry, exists := c.entries[keyStr]; exists {
		entry.snapshot = snapshot
		entry.insertedAt = time.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		key:        key,
		snapshot:   snapshot,
		insertedAt: time.Now(),
	}
	entry.element = c.lruList.PushFront(keyStr)
	c.entries[keyStr] = entry
}

// Invalidate removes a tenant's cached snapshot. Called on every policy
// update so readers never see a stale role set or limit past the update.
func (c *Cache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeEntry(key.String())
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *Cache) removeEntry(keyStr string) {
	if entry, exists := c.entries[keyStr]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, keyStr)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *Cache) evictLRU() {
	backElement := c.lruList.Back()
	if backElement != nil {
		keyStr := backElement.Value.(string)
		c.lruList.Remove(backElement)
		delete(c.entries, keyStr)
	}
}
