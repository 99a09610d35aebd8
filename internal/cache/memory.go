package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memoryEntry), now: time.Now}
}

// Get retrieves a fresh value by key
func (c *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if expired(c.now(), e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Put stores a copy of value
func (c *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.data[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiry(c.now(), ttl)}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
