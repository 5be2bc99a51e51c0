// Package cache provides a local read-through cache for snapshot objects
// downloaded from object storage. Remote fetches (S3 in particular) dominate
// snapshot restore latency; repeated reads of the same snapshot should hit
// local disk instead.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stats holds cache counters for observability.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// ObjectCache is a size-bounded, least-recently-used file cache keyed by
// object path. Entries live as regular files under the cache directory.
type ObjectCache struct {
	dir      string
	maxBytes int64

	mu         sync.Mutex
	entries    map[string]*cacheEntry
	totalBytes int64
	hits       int64
	misses     int64
	evictions  int64
}

type cacheEntry struct {
	localPath  string
	sizeBytes  int64
	lastAccess time.Time
}

// NewObjectCache creates the cache directory and an empty cache bounded to
// maxBytes of local disk.
func NewObjectCache(dir string, maxBytes int64) (*ObjectCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache: max bytes must be positive, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cache: failed to create cache directory: %w", err)
	}
	return &ObjectCache{
		dir:      dir,
		maxBytes: maxBytes,
		entries:  make(map[string]*cacheEntry),
	}, nil
}

// Get returns the local path of a cached object, or false on a miss.
func (c *ObjectCache) Get(objectPath string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[objectPath]
	if !ok {
		c.misses++
		return "", false
	}
	entry.lastAccess = time.Now()
	c.hits++
	return entry.localPath, true
}

// Put copies the file at srcPath into the cache under objectPath and
// returns the cached local path. Oversized objects are rejected; existing
// entries are replaced. Old entries are evicted in LRU order until the new
// entry fits.
func (c *ObjectCache) Put(objectPath, srcPath string) (string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("cache: failed to stat source: %w", err)
	}
	if info.Size() > c.maxBytes {
		return "", fmt.Errorf("cache: object %s (%d bytes) exceeds cache budget", objectPath, info.Size())
	}

	localPath := filepath.Join(c.dir, encodeKey(objectPath))
	if err := copyFile(srcPath, localPath); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[objectPath]; ok {
		c.totalBytes -= old.sizeBytes
	}
	c.entries[objectPath] = &cacheEntry{
		localPath:  localPath,
		sizeBytes:  info.Size(),
		lastAccess: time.Now(),
	}
	c.totalBytes += info.Size()
	c.evictUntilFitsLocked()

	return localPath, nil
}

// Stats returns a snapshot of the cache counters.
func (c *ObjectCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		SizeBytes: c.totalBytes,
	}
}

// Clear removes every cached file.
func (c *ObjectCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for key, entry := range c.entries {
		if err := os.Remove(entry.localPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		delete(c.entries, key)
	}
	c.totalBytes = 0
	return firstErr
}

// evictUntilFitsLocked drops least-recently-used entries until the cache is
// within budget. Must be called with c.mu held.
func (c *ObjectCache) evictUntilFitsLocked() {
	if c.totalBytes <= c.maxBytes {
		return
	}

	type keyed struct {
		key   string
		entry *cacheEntry
	}
	ordered := make([]keyed, 0, len(c.entries))
	for key, entry := range c.entries {
		ordered = append(ordered, keyed{key, entry})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].entry.lastAccess.Before(ordered[j].entry.lastAccess)
	})

	for _, item := range ordered {
		if c.totalBytes <= c.maxBytes {
			break
		}
		os.Remove(item.entry.localPath)
		c.totalBytes -= item.entry.sizeBytes
		delete(c.entries, item.key)
		c.evictions++
	}
}

// encodeKey flattens an object path into a single file name.
func encodeKey(objectPath string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(objectPath)
}

// copyFile copies src to dst, replacing dst if it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cache: failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("cache: failed to create cache file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("cache: failed to copy into cache: %w", err)
	}
	return out.Sync()
}
