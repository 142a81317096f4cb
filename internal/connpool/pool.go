// Package connpool bounds concurrent outgoing work per host and
// globally. Callers must hold a Permit before issuing network I/O.
package connpool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tiercache/tiercache/internal/metrics"
)

// Config sizes the admission budgets. ConnectTimeout and IdleTimeout
// are advisory for collaborators; the pool itself enforces neither.
type Config struct {
	MaxPerHost     int
	MaxTotal       int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	// HTTP2 is an opaque flag passed through to transport construction.
	HTTP2 bool
}

// DefaultConfig mirrors common browser connection limits.
func DefaultConfig() Config {
	return Config{
		MaxPerHost:     6,
		MaxTotal:       100,
		IdleTimeout:    90 * time.Second,
		ConnectTimeout: 10 * time.Second,
		HTTP2:          true,
	}
}

// Stats are counters describing pool activity. Reused and Closed are
// advisory, reported by callers via Permit.MarkReused and Pool.NoteClosed.
type Stats struct {
	ConnectionsCreated uint64 `json:"connections_created"`
	ConnectionsReused  uint64 `json:"connections_reused"`
	ConnectionsClosed  uint64 `json:"connections_closed"`
	ActiveConnections  int    `json:"active_connections"`
	IdleConnections    int    `json:"idle_connections"`
}

// Pool is the admission controller: a global semaphore plus one lazily
// created semaphore per host. Waiters wake FIFO. Acquire holds the
// global seat while waiting for the per-host seat; a hot host can
// therefore head-of-line block the global budget, which is accepted in
// exchange for never releasing-and-reacquiring.
type Pool struct {
	cfg    Config
	global *semaphore.Weighted

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
	stats Stats
}

// New creates a Pool. Non-positive limits take the defaults.
func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = def.MaxPerHost
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = def.MaxTotal
	}
	return &Pool{
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.MaxTotal)),
		hosts:  make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until one global seat and one seat for host are held,
// then returns a Permit owning both. Cancelling ctx while waiting
// returns any seat already taken.
func (p *Pool) Acquire(ctx context.Context, host string) (*Permit, error) {
	metrics.PendingAcquires.Inc()
	defer metrics.PendingAcquires.Dec()

	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	hostSem := p.hostSemaphore(host)
	if err := hostSem.Acquire(ctx, 1); err != nil {
		p.global.Release(1)
		return nil, err
	}

	p.mu.Lock()
	p.stats.ActiveConnections++
	p.stats.ConnectionsCreated++
	p.mu.Unlock()
	metrics.ActiveConnections.Inc()

	return &Permit{pool: p, hostSem: hostSem, host: host}, nil
}

// TryAcquire is the non-blocking variant. It returns nil when either
// budget is exhausted.
func (p *Pool) TryAcquire(host string) *Permit {
	if !p.global.TryAcquire(1) {
		return nil
	}
	hostSem := p.hostSemaphore(host)
	if !hostSem.TryAcquire(1) {
		p.global.Release(1)
		return nil
	}

	p.mu.Lock()
	p.stats.ActiveConnections++
	p.stats.ConnectionsCreated++
	p.mu.Unlock()
	metrics.ActiveConnections.Inc()

	return &Permit{pool: p, hostSem: hostSem, host: host}
}

func (p *Pool) hostSemaphore(host string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()

	sem, ok := p.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.cfg.MaxPerHost))
		p.hosts[host] = sem
	}
	return sem
}

// NoteClosed records that a caller closed an underlying connection.
func (p *Pool) NoteClosed() {
	p.mu.Lock()
	p.stats.ConnectionsClosed++
	p.mu.Unlock()
}

// SetIdle records the current number of idle kept-alive connections.
func (p *Pool) SetIdle(n int) {
	p.mu.Lock()
	p.stats.IdleConnections = n
	p.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// Permit holds one global and one per-host seat. Callers must Release
// exactly once on every exit path; Release is idempotent so a deferred
// call is always safe.
type Permit struct {
	pool    *Pool
	hostSem *semaphore.Weighted
	host    string
	once    sync.Once
}

// Host returns the host this permit was acquired for.
func (pm *Permit) Host() string { return pm.host }

// MarkReused records that the caller reused an existing connection
// under this permit.
func (pm *Permit) MarkReused() {
	pm.pool.mu.Lock()
	pm.pool.stats.ConnectionsReused++
	pm.pool.mu.Unlock()
}

// Release returns both seats. Safe to call more than once.
func (pm *Permit) Release() {
	pm.once.Do(func() {
		pm.hostSem.Release(1)
		pm.pool.global.Release(1)

		pm.pool.mu.Lock()
		pm.pool.stats.ActiveConnections--
		pm.pool.mu.Unlock()
		metrics.ActiveConnections.Dec()
	})
}
