// Package dnscache caches host→address resolutions with separate
// positive and negative TTLs in front of a pluggable Resolver.
//
// Two callers missing on the same host concurrently both hit the
// resolver and both populate the cache; duplicate lookups are accepted.
// The cache exists for hit-rate, not dogpile prevention.
package dnscache

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/tiercache/tiercache/internal/clock"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/internal/memcache"
	"github.com/tiercache/tiercache/internal/metrics"
)

// Config controls TTLs, filtering, and resolver limits.
type Config struct {
	// CacheTTL is the lifetime of a successful resolution.
	CacheTTL time.Duration
	// NegativeCacheTTL is the lifetime of a failed resolution.
	NegativeCacheTTL time.Duration
	// IPv6 enables IPv6 results. When false, AAAA answers are dropped.
	IPv6 bool
	// PreferIPv4 sorts IPv4 addresses ahead of IPv6.
	PreferIPv4 bool
	// Timeout bounds a single resolver invocation.
	Timeout time.Duration
	// MaxEntries caps the cache size; older entries are trimmed LRU-style.
	MaxEntries int
	// MaxResolveQPS rate-limits calls into the resolver. Zero disables.
	MaxResolveQPS float64
}

// DefaultConfig mirrors typical browser resolver settings.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         5 * time.Minute,
		NegativeCacheTTL: time.Minute,
		IPv6:             true,
		PreferIPv4:       true,
		Timeout:          5 * time.Second,
		MaxEntries:       10000,
	}
}

type entry struct {
	addrs    []netip.Addr
	expires  time.Time
	negative bool
}

// Stats summarizes cache occupancy.
type Stats struct {
	TotalEntries    int `json:"total_entries"`
	PositiveEntries int `json:"positive_entries"`
	NegativeEntries int `json:"negative_entries"`
}

// Cache is a thread-safe DNS cache. Resolver calls happen outside the
// entry lock.
type Cache struct {
	cfg      Config
	resolver Resolver
	clk      clock.Clock
	logger   *slog.Logger
	limiter  *rate.Limiter
	entries  *memcache.Cache[string, entry]
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

// New creates a DNS cache over resolver. Zero config fields take the
// defaults from DefaultConfig.
func New(resolver Resolver, cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.NegativeCacheTTL <= 0 {
		cfg.NegativeCacheTTL = def.NegativeCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}

	c := &Cache{
		cfg:      cfg,
		resolver: resolver,
		clk:      clock.Real(),
		entries:  memcache.New[string, entry](cfg.MaxEntries),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	if cfg.MaxResolveQPS > 0 {
		burst := int(cfg.MaxResolveQPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxResolveQPS), burst)
	}
	return c
}

// Resolve returns the addresses for host, consulting the cache first.
// A fresh positive entry is returned without touching the resolver; a
// fresh negative entry fails with a NoAddresses error without touching
// the resolver. Cancellation before a result arrives leaves the cache
// unmodified.
func (c *Cache) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	now := c.clk.Now()
	if cached, ok := c.entries.Get(host); ok {
		if now.Before(cached.expires) {
			if cached.negative {
				metrics.DNSNegativeHitsTotal.Inc()
				return nil, noAddresses(host)
			}
			metrics.DNSCacheHitsTotal.Inc()
			return append([]netip.Addr(nil), cached.addrs...), nil
		}
		c.entries.Remove(host)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	metrics.DNSResolutionsTotal.Inc()
	resolveCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	addrs, err := c.resolver.Resolve(resolveCtx, host)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Caller went away; don't poison the cache.
			return nil, ctx.Err()
		}
		metrics.DNSResolutionErrorsTotal.Inc()
		c.cacheNegative(host)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &DNSError{Kind: KindTimeout, Host: host}
		}
		c.logger.Warn("dns resolution failed", "host", host, "error", err)
		return nil, &DNSError{Kind: KindResolutionFailed, Host: host, Msg: err.Error()}
	}

	addrs = filterAddrs(addrs, c.cfg.IPv6, c.cfg.PreferIPv4)
	if len(addrs) == 0 {
		c.cacheNegative(host)
		return nil, noAddresses(host)
	}

	c.entries.Put(host, entry{
		addrs:   addrs,
		expires: c.clk.Now().Add(c.cfg.CacheTTL),
	})
	return append([]netip.Addr(nil), addrs...), nil
}

// ResolveSocketAddrs resolves host and combines each address with port.
func (c *Cache) ResolveSocketAddrs(ctx context.Context, host string, port uint16) ([]netip.AddrPort, error) {
	addrs, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	socketAddrs := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		socketAddrs = append(socketAddrs, netip.AddrPortFrom(addr, port))
	}
	return socketAddrs, nil
}

// ClearCache drops every entry.
func (c *Cache) ClearCache() {
	c.entries.Clear()
}

// CleanupCache drops expired entries and returns how many were removed.
func (c *Cache) CleanupCache() int {
	now := c.clk.Now()
	return c.entries.RemoveIf(func(_ string, e entry) bool {
		return !now.Before(e.expires)
	})
}

// CacheStats returns occupancy counts, including not-yet-swept expired
// entries.
func (c *Cache) CacheStats() Stats {
	var stats Stats
	c.entries.Range(func(_ string, e entry) bool {
		stats.TotalEntries++
		if e.negative {
			stats.NegativeEntries++
		} else {
			stats.PositiveEntries++
		}
		return true
	})
	return stats
}

func (c *Cache) cacheNegative(host string) {
	c.entries.Put(host, entry{
		expires:  c.clk.Now().Add(c.cfg.NegativeCacheTTL),
		negative: true,
	})
}

// filterAddrs applies the configured address policy: IPv6 removal,
// IPv4-first ordering (stable), and deduplication. 4-in-6 mapped
// addresses are unmapped first so duplicates collapse.
func filterAddrs(addrs []netip.Addr, ipv6, preferIPv4 bool) []netip.Addr {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	var v4, v6 []netip.Addr
	for _, addr := range addrs {
		addr = addr.Unmap()
		if !addr.IsValid() {
			continue
		}
		if !ipv6 && !addr.Is4() {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if addr.Is4() {
			v4 = append(v4, addr)
		} else {
			v6 = append(v6, addr)
		}
	}

	if preferIPv4 {
		return append(v4, v6...)
	}
	// Original answer order, duplicates removed.
	merged := make([]netip.Addr, 0, len(v4)+len(v6))
	for _, addr := range addrs {
		addr = addr.Unmap()
		if _, ok := seen[addr]; ok {
			merged = append(merged, addr)
			delete(seen, addr)
		}
	}
	return merged
}
