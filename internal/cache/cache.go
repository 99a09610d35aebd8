// Package cache stores resolved share metadata for a bounded time.
//
// Stores hold opaque byte values. An entry past its expiry is reported as a
// miss and removed lazily; a zero TTL means the entry never expires.
package cache

import (
	"context"
	"time"
)

// KeyPrefix namespaces share metadata entries.
const KeyPrefix = "video_info_"

// DefaultTTL is how long resolved metadata stays fresh.
const DefaultTTL = time.Hour

// Store is a key/value store with per-entry expiry.
type Store interface {
	// Get returns the value and true on a fresh hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key for ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key returns the cache key for a share reference.
func Key(shareID string) string {
	return KeyPrefix + shareID
}

// Noop is a Store that never holds anything.
type Noop struct{}

// Get always misses.
func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Put discards the value.
func (Noop) Put(context.Context, string, []byte, time.Duration) error { return nil }

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, at time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}
