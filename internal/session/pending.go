package session

import (
	"context"
	"sync"
	"time"
)

// PendingCache tracks sessions awaiting approval confirmation. Entries
// carry a TTL so an abandoned session vanishes on its own, and a shared
// backend (Redis) lets every server instance see the same pending set.
type PendingCache interface {
	// Put registers a pending session for ttl.
	Put(ctx context.Context, sessionID string, ttl time.Duration) error
	// Exists reports whether the session is still awaiting confirmation.
	Exists(ctx context.Context, sessionID string) (bool, error)
	// Delete removes the entry, typically on confirmation or revocation.
	Delete(ctx context.Context, sessionID string) error
}

// MemoryPendingCache is a process-local PendingCache for development
// and tests.
type MemoryPendingCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // sessionID -> deadline
}

// NewMemoryPendingCache creates an in-memory pending cache.
func NewMemoryPendingCache() *MemoryPendingCache {
	return &MemoryPendingCache{
		entries: make(map[string]time.Time),
	}
}

func (c *MemoryPendingCache) Put(ctx context.Context, sessionID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = time.Now().Add(ttl)
	return nil
}

func (c *MemoryPendingCache) Exists(ctx context.Context, sessionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.entries[sessionID]
	if !ok {
		return false, nil
	}
	if time.Now().After(deadline) {
		delete(c.entries, sessionID)
		return false, nil
	}
	return true, nil
}

func (c *MemoryPendingCache) Delete(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
	return nil
}
