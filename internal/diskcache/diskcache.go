// Package diskcache implements the persistent tier of the resource
// cache: a byte-budgeted key/value store with one content-addressed
// payload file per entry and a durable JSON index.
//
// Eviction is FIFO by write time, not LRU. Promoting on every read would
// force an index rewrite per read; keeping disk eviction independent of
// read traffic is the point.
//
// A directory is owned by a single Cache instance. Opening the same
// directory from two instances (or two processes) concurrently is
// undefined and not detected.
package diskcache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tiercache/tiercache/internal/clock"
	"github.com/tiercache/tiercache/internal/digest"
	"github.com/tiercache/tiercache/internal/indexstore"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/internal/metrics"
)

var (
	// ErrTooLarge is returned by Put when a single payload exceeds the
	// cache's byte budget. Permanent for that payload.
	ErrTooLarge = errors.New("diskcache: payload exceeds cache capacity")

	// ErrNoSpace is returned by Put when the budget cannot be met even
	// after evicting every other entry.
	ErrNoSpace = errors.New("diskcache: no space left after evicting all entries")
)

// Cache is a bounded disk-backed KV store. All operations are
// serialized by a single exclusive lock, which is held across file I/O.
type Cache struct {
	dir     string
	maxSize uint64
	clk     clock.Clock
	logger  *slog.Logger

	mu          sync.Mutex
	index       map[string]indexstore.Entry
	currentSize uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clk = clk }
}

// WithLogger sets the logger. Nil means discard.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New opens (creating if needed) a disk cache rooted at dir with the
// given byte budget for payloads. The existing index is loaded and the
// accounted size recomputed from it; payload files not referenced by the
// index are ignored.
func New(dir string, maxSize uint64, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		clk:     clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskcache: create %s: %w", dir, err)
	}

	c.index = indexstore.Load(dir, c.clk, c.logger)
	for _, entry := range c.index {
		c.currentSize += entry.Size
	}

	c.logger.Info("disk cache opened",
		"dir", dir, "entries", len(c.index), "bytes", c.currentSize, "max_bytes", maxSize)
	return c, nil
}

// Get returns the payload stored for key. A key that is not indexed, or
// whose payload file has gone missing, is a miss; in the latter case the
// orphan index row is swept and the index persisted. Other read failures
// are returned as errors.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[key]
	if !ok {
		return nil, false, nil
	}

	data, err := os.ReadFile(filepath.Join(c.dir, entry.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Warn("payload file missing, dropping index row", "key", key, "file", entry.Filename)
			c.dropLocked(key, entry)
			if err := indexstore.Save(c.dir, c.index); err != nil {
				c.logger.Warn("index save failed after orphan sweep", "error", err)
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("diskcache: read %s: %w", entry.Filename, err)
	}
	return data, true, nil
}

// Put stores data under key, evicting oldest entries as needed to stay
// inside the byte budget. On success and return the persisted index
// reflects the new entry. A failed Put leaves the accounted size and
// index unchanged apart from any evictions already performed.
func (c *Cache) Put(key string, data []byte) error {
	size := uint64(len(data))
	if size > c.maxSize {
		return fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, size, c.maxSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.currentSize+size > c.maxSize {
		if !c.evictOldestLocked() {
			return ErrNoSpace
		}
	}

	if old, ok := c.index[key]; ok {
		c.dropLocked(key, old)
	}

	filename := digest.Filename(key)
	if err := c.writePayload(filename, data); err != nil {
		return err
	}

	c.index[key] = indexstore.Entry{
		Filename: filename,
		Size:     size,
		Created:  c.clk.Now().Unix(),
	}
	c.currentSize += size

	if err := indexstore.Save(c.dir, c.index); err != nil {
		// The entry is live; the persisted index is one write behind and
		// will catch up on the next successful save.
		c.logger.Warn("index save failed after put", "key", key, "error", err)
		return fmt.Errorf("diskcache: persist index: %w", err)
	}
	return nil
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (c *Cache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[key]
	if !ok {
		return nil
	}
	c.dropLocked(key, entry)
	return indexstore.Save(c.dir, c.index)
}

// Clear deletes every indexed payload and empties the index.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.index {
		if err := os.Remove(filepath.Join(c.dir, entry.Filename)); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("payload delete failed during clear", "key", key, "error", err)
		}
	}
	c.index = map[string]indexstore.Entry{}
	c.currentSize = 0
	return indexstore.Save(c.dir, c.index)
}

// Contains reports whether key is indexed.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

// Size returns the accounted payload bytes.
func (c *Cache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// MaxSize returns the configured byte budget.
func (c *Cache) MaxSize() uint64 { return c.maxSize }

// EntryCount returns the number of indexed entries.
func (c *Cache) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Keys returns the indexed keys in unspecified order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.index))
	for key := range c.index {
		keys = append(keys, key)
	}
	return keys
}

// Entry returns the index metadata for key.
func (c *Cache) Entry(key string) (indexstore.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index[key]
	return entry, ok
}

// dropLocked removes key from the in-memory index, deletes its payload
// file, and releases its accounted bytes. File delete failures are
// logged and swallowed; the index is authoritative. Must be called with
// c.mu held; does not persist.
func (c *Cache) dropLocked(key string, entry indexstore.Entry) {
	if err := os.Remove(filepath.Join(c.dir, entry.Filename)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("payload delete failed", "key", key, "file", entry.Filename, "error", err)
	}
	delete(c.index, key)
	c.currentSize -= entry.Size
}

// evictOldestLocked evicts the entry with the smallest Created,
// tie-broken by ascending filename digest so eviction order is
// deterministic. Returns false when the index is empty.
func (c *Cache) evictOldestLocked() bool {
	var (
		oldestKey   string
		oldestEntry indexstore.Entry
		found       bool
	)
	for key, entry := range c.index {
		if !found ||
			entry.Created < oldestEntry.Created ||
			(entry.Created == oldestEntry.Created && entry.Filename < oldestEntry.Filename) {
			oldestKey, oldestEntry, found = key, entry, true
		}
	}
	if !found {
		return false
	}

	c.logger.Info("evicting disk entry", "key", oldestKey, "bytes", oldestEntry.Size)
	c.dropLocked(oldestKey, oldestEntry)
	metrics.DiskEvictionsTotal.Inc()
	return true
}

// writePayload writes data to a temp file, fsyncs, and renames it to
// filename, so a crash never leaves a half-written payload under the
// final name.
func (c *Cache) writePayload(filename string, data []byte) error {
	final := filepath.Join(c.dir, filename)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("diskcache: write payload: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("diskcache: write payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("diskcache: sync payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("diskcache: close payload: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("diskcache: rename payload: %w", err)
	}
	return nil
}
