// Package tenant resolves a tenant's privacy tier from the configuration
// service and caches the answer.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/Evothesis/server-infrastructure/internal/models"
)

// Cache holds resolved privacy tiers. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, tenantID string) (models.PrivacyLevel, bool, error)
	Set(ctx context.Context, tenantID string, level models.PrivacyLevel) error
	Clear(ctx context.Context) error
}

type memoryEntry struct {
	level     models.PrivacyLevel
	expiresAt time.Time
}

// MemoryCache is a process-local Cache with a fixed TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration

	// Now is the clock used for expiry. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryCache returns an empty cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		Now:     time.Now,
	}
}

func (c *MemoryCache) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *MemoryCache) Get(_ context.Context, tenantID string) (models.PrivacyLevel, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, still := c.entries[tenantID]; still && !c.now().Before(cur.expiresAt) {
			delete(c.entries, tenantID)
		}
		c.mu.Unlock()
		return "", false, nil
	}
	return entry.level, true, nil
}

func (c *MemoryCache) Set(_ context.Context, tenantID string, level models.PrivacyLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[tenantID] = memoryEntry{level: level, expiresAt: now.Add(c.ttl)}

	for id, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

// Len returns the number of entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
