package routing

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axonrelay/axonrelay/models"
)

// cacheEntry is one organization's cached provider list.
type cacheEntry struct {
	orgID      uuid.UUID
	records    []*models.ProviderRecord
	insertedAt time.Time
	element    *list.Element
}

func (e *cacheEntry) isExpired(ttl time.Duration) bool {
	return time.Since(e.insertedAt) > ttl
}

// ProviderCache is an LRU cache with TTL for per-organization provider
// lists. It keeps the hot selection path off the database; admin writes
// invalidate the owning organization. Get and Set deal in clones so callers
// can overlay live health state without racing each other.
type ProviderCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*cacheEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
}

// NewProviderCache creates a cache holding up to maxSize organizations for
// ttl each. A non-positive ttl disables caching entirely.
func NewProviderCache(maxSize int, ttl time.Duration) *ProviderCache {
	return &ProviderCache{
		entries: make(map[uuid.UUID]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns a cloned provider list for the organization, or false when the
// entry is missing or expired.
func (c *ProviderCache) Get(orgID uuid.UUID) ([]*models.ProviderRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[orgID]
	if !exists || entry.isExpired(c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(orgID)
		}
		return nil, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return cloneRecords(entry.records), true
}

// Set stores a cloned provider list for the organization.
func (c *ProviderCache) Set(orgID uuid.UUID, records []*models.ProviderRecord) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[orgID]; exists {
		entry.records = cloneRecords(records)
		entry.insertedAt = time.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		orgID:      orgID,
		records:    cloneRecords(records),
		insertedAt: time.Now(),
	}
	entry.element = c.lruList.PushFront(orgID)
	c.entries[orgID] = entry
}

// Invalidate removes the cached list for an organization.
func (c *ProviderCache) Invalidate(orgID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(orgID)
}

// Clear removes all entries.
func (c *ProviderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uuid.UUID]*cacheEntry)
	c.lruList.Init()
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Stats returns a snapshot of the cache counters.
func (c *ProviderCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// CleanupExpired removes all expired entries and returns how many were
// dropped.
func (c *ProviderCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []uuid.UUID
	for orgID, entry := range c.entries {
		if entry.isExpired(c.ttl) {
			expired = append(expired, orgID)
		}
	}
	for _, orgID := range expired {
		c.removeEntry(orgID)
	}
	return len(expired)
}

// StartCleanupWorker evicts expired entries on an interval until the context
// is cancelled.
func (c *ProviderCache) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-ctx.Done():
			return
		}
	}
}

// removeEntry removes an entry. Caller holds c.mu.
func (c *ProviderCache) removeEntry(orgID uuid.UUID) {
	if entry, exists := c.entries[orgID]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, orgID)
	}
}

// evictLRU drops the least recently used entry. Caller holds c.mu.
func (c *ProviderCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	orgID := back.Value.(uuid.UUID)
	c.lruList.Remove(back)
	delete(c.entries, orgID)
}

func cloneRecords(records []*models.ProviderRecord) []*models.ProviderRecord {
	clones := make([]*models.ProviderRecord, len(records))
	for i, record := range records {
		clones[i] = record.Clone()
	}
	return clones
}
