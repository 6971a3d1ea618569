package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
)

type cacheEntry struct {
	key       string
	path      string
	sizeBytes int64
	expiresAt time.Time
}

// ModuleCache keeps fetched module binaries on local disk, keyed by image
// reference. Entries expire after the TTL and are evicted LRU when the entry
// or byte budget is exceeded. The lock is process-local; this runs on a
// single node.
type ModuleCache struct {
	rootDir    string
	ttl        time.Duration
	maxEntries int
	maxBytes   int64

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruKeys   []string
	totalSize int64
}

// NewModuleCache creates a new cache rooted at rootDir.
func NewModuleCache(rootDir string, ttl time.Duration, maxEntries int, maxBytes int64) *ModuleCache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ModuleCache{
		rootDir:    rootDir,
		ttl:        ttl,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make(map[string]*cacheEntry),
	}
}

// Get returns the module bytes for key, fetching through the given func on
// miss. Concurrent callers for different keys do not serialize on the fetch.
func (c *ModuleCache) Get(ctx context.Context, key string, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if c.rootDir == "" {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache root is not configured")
	}
	path := c.entryPath(key)

	if c.hitEntry(key) {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		// The file went away underneath the index; fall through to refetch.
		c.removeEntry(key)
	}

	if data, ok := c.checkDisk(path); ok {
		c.addEntry(key, path, int64(len(data)))
		return data, nil
	}

	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.writeEntry(path, data); err != nil {
		return nil, err
	}
	c.addEntry(key, path, int64(len(data)))
	return data, nil
}

func (c *ModuleCache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.rootDir, hex.EncodeToString(sum[:])+".wasm")
}

func (c *ModuleCache) hitEntry(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeEntryLocked(key)
		return false
	}
	entry.expiresAt = time.Now().Add(c.ttl)
	c.touchLocked(key)
	return true
}

func (c *ModuleCache) checkDisk(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *ModuleCache) writeEntry(path string, data []byte) error {
	if err := os.MkdirAll(c.rootDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create cache root failed")
	}
	// Stage through a per-write temp file so concurrent writes for different
	// keys never share staging state.
	tmp, err := os.CreateTemp(c.rootDir, "module-*.tmp")
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create cache temp file failed")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return appErr.Wrapf(err, appErr.CacheError, "write cache temp file failed")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return appErr.Wrapf(err, appErr.CacheError, "close cache temp file failed")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return appErr.Wrapf(err, appErr.CacheError, "publish cache entry failed")
	}
	return nil
}

func (c *ModuleCache) addEntry(key, path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		c.totalSize -= existing.sizeBytes
		existing.sizeBytes = size
		existing.expiresAt = time.Now().Add(c.ttl)
		c.totalSize += size
		c.touchLocked(key)
		return
	}
	c.entries[key] = &cacheEntry{
		key:       key,
		path:      path,
		sizeBytes: size,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.lruKeys = append(c.lruKeys, key)
	c.totalSize += size
	c.evictLocked()
}

func (c *ModuleCache) removeEntry(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeEntryLocked(key)
}

func (c *ModuleCache) removeEntryLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.totalSize -= entry.sizeBytes
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	_ = os.Remove(entry.path)
}

func (c *ModuleCache) touchLocked(key string) {
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			c.lruKeys = append(c.lruKeys, key)
			return
		}
	}
}

func (c *ModuleCache) evictLocked() {
	for len(c.lruKeys) > 0 {
		overEntries := len(c.entries) > c.maxEntries
		overBytes := c.maxBytes > 0 && c.totalSize > c.maxBytes
		if !overEntries && !overBytes {
			return
		}
		c.removeEntryLocked(c.lruKeys[0])
	}
}
