package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	windows map[string][]time.Time
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		windows: make(map[string][]time.Time),
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	entry := &cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[fullKey] = elem

	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetProfile retrieves a cached entity profile.
func (c *LRUCache) GetProfile(ctx context.Context, tenantID string, entityID string) (*domain.EntityProfile, error) {
	return decodeProfile(c.Get(ctx, tenantID, profileKey(entityID)))
}

// SetProfile caches an entity profile.
func (c *LRUCache) SetProfile(ctx context.Context, tenantID string, profile *domain.EntityProfile, ttl time.Duration) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, profileKey(profile.EntityID), data, ttl)
}

// DeleteProfile drops a cached entity profile.
func (c *LRUCache) DeleteProfile(ctx context.Context, tenantID string, entityID string) error {
	return c.Delete(ctx, tenantID, profileKey(entityID))
}

// SlidingWindow keeps an exact timestamp log per key. Timestamps that have
// left the window are pruned on every call.
func (c *LRUCache) SlidingWindow(ctx context.Context, tenantID string, key string, now time.Time, window time.Duration, limit int) (bool, int64, error) {
	if tenantID == "" {
		return false, 0, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "window:"+key)
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.windows[fullKey]
	keep := log[:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}

	if len(keep) >= limit {
		c.windows[fullKey] = keep
		return false, int64(len(keep)), nil
	}

	keep = append(keep, now)
	c.windows[fullKey] = keep
	return true, int64(len(keep)), nil
}

// ReleaseWindow drops the newest logged event at exactly at.
func (c *LRUCache) ReleaseWindow(ctx context.Context, tenantID string, key string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "window:"+key)

	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.windows[fullKey]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Equal(at) {
			c.windows[fullKey] = append(log[:i], log[i+1:]...)
			return nil
		}
	}
	return nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.windows = make(map[string][]time.Time)
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

func profileKey(entityID string) string {
	return "profile:" + entityID
}

func decodeProfile(data []byte, err error) (*domain.EntityProfile, error) {
	if err != nil || data == nil {
		return nil, err
	}
	var p domain.EntityProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
