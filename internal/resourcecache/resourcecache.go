// Package resourcecache composes the in-memory LRU and the disk cache
// into the two-tier resource cache handed to the network layer.
//
// Reads consult memory first and fall back to disk, promoting disk hits
// into memory. Writes go through to disk first, so readers never see a
// key that was not durably stored. Returned byte slices are always
// caller-owned copies; the tiers never alias caller memory.
package resourcecache

import (
	"log/slog"

	"github.com/tiercache/tiercache/internal/diskcache"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/internal/memcache"
	"github.com/tiercache/tiercache/internal/metrics"
)

// Config sizes both tiers.
type Config struct {
	// MaxEntries caps the in-memory tier (entry count, not bytes).
	MaxEntries int
	// Directory is the disk tier's root.
	Directory string
	// MaxSize is the disk tier's payload byte budget.
	MaxSize uint64
}

// Stats is a snapshot of both tiers.
type Stats struct {
	MemoryEntries int    `json:"memory_entries"`
	DiskEntries   int    `json:"disk_entries"`
	DiskBytes     uint64 `json:"disk_bytes"`
	DiskMaxBytes  uint64 `json:"disk_max_bytes"`
}

// Cache is the two-tier resource cache. Safe for concurrent use; the
// two tier locks are never held simultaneously, so a Get racing a Put
// may observe disk-new/memory-absent, but never a torn payload.
type Cache struct {
	memory *memcache.Cache[string, []byte]
	disk   *diskcache.Cache
	logger *slog.Logger
}

// New builds the façade. Disk options (clock, logger) are forwarded to
// the disk tier.
func New(cfg Config, logger *slog.Logger, diskOpts ...diskcache.Option) (*Cache, error) {
	logger = logging.OrDiscard(logger)
	disk, err := diskcache.New(cfg.Directory, cfg.MaxSize, append(diskOpts, diskcache.WithLogger(logger))...)
	if err != nil {
		return nil, err
	}
	return &Cache{
		memory: memcache.New[string, []byte](cfg.MaxEntries),
		disk:   disk,
		logger: logger,
	}, nil
}

// Get returns the payload for key from the fastest tier that has it.
// A disk hit is promoted into memory so subsequent reads stay off disk
// until evicted.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	if data, ok := c.memory.Get(key); ok {
		metrics.RecordHit(true)
		return append([]byte(nil), data...), true, nil
	}

	data, ok, err := c.disk.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		metrics.RecordMiss()
		return nil, false, nil
	}

	metrics.RecordHit(false)
	c.memory.Put(key, append([]byte(nil), data...))
	return data, true, nil
}

// Put stores data in both tiers, disk first. When the disk write fails
// the memory tier is left untouched, so no reader can observe a key
// that is not durable.
func (c *Cache) Put(key string, data []byte) error {
	if err := c.disk.Put(key, data); err != nil {
		metrics.PutErrorsTotal.Inc()
		return err
	}
	c.memory.Put(key, append([]byte(nil), data...))
	metrics.PutsTotal.Inc()
	return nil
}

// Remove deletes key from both tiers.
func (c *Cache) Remove(key string) error {
	c.memory.Remove(key)
	return c.disk.Remove(key)
}

// Clear empties both tiers.
func (c *Cache) Clear() error {
	c.memory.Clear()
	return c.disk.Clear()
}

// Contains reports whether key is present in either tier, without
// promoting it.
func (c *Cache) Contains(key string) bool {
	return c.memory.Contains(key) || c.disk.Contains(key)
}

// Stats returns a snapshot of both tiers.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryEntries: c.memory.Len(),
		DiskEntries:   c.disk.EntryCount(),
		DiskBytes:     c.disk.Size(),
		DiskMaxBytes:  c.disk.MaxSize(),
	}
}

// MemoryEntries implements metrics.StatsProvider.
func (c *Cache) MemoryEntries() int { return c.memory.Len() }

// DiskEntries implements metrics.StatsProvider.
func (c *Cache) DiskEntries() int { return c.disk.EntryCount() }

// DiskBytes implements metrics.StatsProvider.
func (c *Cache) DiskBytes() uint64 { return c.disk.Size() }
