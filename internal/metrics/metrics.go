package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Prometheus metrics for the resource cache
var (
	MemoryHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_memory_hits_total",
		Help: "Total number of resource cache hits served from the in-memory tier",
	})

	DiskHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_disk_hits_total",
		Help: "Total number of resource cache hits served from the disk tier",
	})

	MissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total number of resource cache misses",
	})

	PutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_puts_total",
		Help: "Total number of successful resource cache writes",
	})

	PutErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_put_errors_total",
		Help: "Total number of failed resource cache writes",
	})

	DiskEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_disk_evictions_total",
		Help: "Total number of disk cache entries evicted to reclaim space",
	})

	DNSCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_cache_hits_total",
		Help: "Total number of DNS lookups answered from a fresh positive entry",
	})

	DNSNegativeHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_negative_hits_total",
		Help: "Total number of DNS lookups answered from a fresh negative entry",
	})

	DNSResolutionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_resolutions_total",
		Help: "Total number of lookups that reached the underlying resolver",
	})

	DNSResolutionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_resolution_errors_total",
		Help: "Total number of underlying resolver failures",
	})

	// Gauges set from stats on scrape
	MemoryEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_memory_entries",
		Help: "Current number of entries in the in-memory tier",
	})

	DiskEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_disk_entries",
		Help: "Current number of entries in the disk tier",
	})

	DiskBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_disk_bytes",
		Help: "Current accounted payload bytes in the disk tier",
	})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_active_connections",
		Help: "Connections currently holding an admission permit",
	})

	PendingAcquires = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_pending_acquires",
		Help: "Callers currently waiting for an admission permit",
	})
)

// StatsProvider provides current stats for gauge metrics
type StatsProvider interface {
	MemoryEntries() int
	DiskEntries() int
	DiskBytes() uint64
}

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			MemoryHitsTotal,
			DiskHitsTotal,
			MissesTotal,
			PutsTotal,
			PutErrorsTotal,
			DiskEvictionsTotal,
			DNSCacheHitsTotal,
			DNSNegativeHitsTotal,
			DNSResolutionsTotal,
			DNSResolutionErrorsTotal,
			MemoryEntries,
			DiskEntries,
			DiskBytes,
			ActiveConnections,
			PendingAcquires,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called)
func Registry() *prometheus.Registry {
	return registry
}

// RecordHit increments the hit counter for the tier that served the read.
// memoryHit is true when the hit came from the in-memory tier.
func RecordHit(memoryHit bool) {
	if memoryHit {
		MemoryHitsTotal.Inc()
	} else {
		DiskHitsTotal.Inc()
	}
}

// RecordMiss increments the cache misses counter
func RecordMiss() {
	MissesTotal.Inc()
}

// UpdateGauges updates gauge metrics from the provided stats
func UpdateGauges(p StatsProvider) {
	if p == nil {
		return
	}
	MemoryEntries.Set(float64(p.MemoryEntries()))
	DiskEntries.Set(float64(p.DiskEntries()))
	DiskBytes.Set(float64(p.DiskBytes()))
}
