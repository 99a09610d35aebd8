package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one JSON file per key under a root directory, so entries
// survive restarts.
type FileStore struct {
	rootDir string
	mu      sync.Mutex
	now     func() time.Time
}

// NewFileStore creates a file-backed store under rootDir.
// The directory will be created if it does not exist.
func NewFileStore(rootDir string) (*FileStore, error) {
	if rootDir == "" {
		return nil, errors.New("cache: rootDir is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	return &FileStore{rootDir: rootDir, now: time.Now}, nil
}

func (c *FileStore) filenameForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.rootDir, fmt.Sprintf("%x.json", sum[:]))
}

type fileEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt,omitzero"`
}

// Get reads key from disk. Corrupt and expired files are removed and
// reported as misses.
func (c *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	fn := c.filenameForKey(key)

	b, err := os.ReadFile(fn)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %s: %w", key, err)
	}
	var e fileEntry
	if err := json.Unmarshal(b, &e); err != nil || e.Key != key {
		_ = os.Remove(fn)
		return nil, false, nil
	}
	if expired(c.now(), e.ExpiresAt) {
		_ = os.Remove(fn)
		return nil, false, nil
	}
	return []byte(e.Value), true, nil
}

// Put writes value atomically via a temporary file. Values must be valid JSON.
func (c *FileStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("cache: value for %s is not JSON", key)
	}
	b, err := json.Marshal(fileEntry{Key: key, Value: value, ExpiresAt: expiry(c.now(), ttl)})
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fn := c.filenameForKey(key)
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, fn); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cache: commit %s: %w", key, err)
	}
	return nil
}
