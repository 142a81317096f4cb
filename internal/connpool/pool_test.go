package connpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func acquireOrFatal(t *testing.T, p *Pool, host string) *Permit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	permit, err := p.Acquire(ctx, host)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", host, err)
	}
	return permit
}

func TestAcquireRelease(t *testing.T) {
	p := New(Config{MaxPerHost: 2, MaxTotal: 4})

	permit := acquireOrFatal(t, p, "a.test")
	if got := p.Stats().ActiveConnections; got != 1 {
		t.Fatalf("ActiveConnections = %d, want 1", got)
	}
	permit.Release()
	if got := p.Stats().ActiveConnections; got != 0 {
		t.Fatalf("ActiveConnections = %d after release, want 0", got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := New(Config{MaxPerHost: 1, MaxTotal: 1})

	permit := acquireOrFatal(t, p, "a.test")
	permit.Release()
	permit.Release() // second release must not free a seat twice

	if got := p.Stats().ActiveConnections; got != 0 {
		t.Fatalf("ActiveConnections = %d, want 0", got)
	}
	// Budget is exactly one seat again, not two.
	p1 := acquireOrFatal(t, p, "a.test")
	if extra := p.TryAcquire("b.test"); extra != nil {
		t.Fatal("double release inflated the global budget")
	}
	p1.Release()
}

func TestPerHostBound(t *testing.T) {
	p := New(Config{MaxPerHost: 1, MaxTotal: 10})

	first := acquireOrFatal(t, p, "a.test")

	second := make(chan *Permit, 1)
	go func() {
		permit, err := p.Acquire(context.Background(), "a.test")
		if err != nil {
			t.Error(err)
			return
		}
		second <- permit
	}()

	select {
	case <-second:
		t.Fatal("second acquire for the same host succeeded while first held")
	case <-time.After(100 * time.Millisecond):
	}

	// Another host is unaffected by a.test's saturation.
	other := acquireOrFatal(t, p, "b.test")
	other.Release()

	first.Release()
	select {
	case permit := <-second:
		permit.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestGlobalBoundAcrossHosts(t *testing.T) {
	// S6: max_total=2, max_per_host=1. Two pending acquires (same host
	// and a fresh host) both proceed once the first permit is released.
	p := New(Config{MaxPerHost: 1, MaxTotal: 2})

	first := acquireOrFatal(t, p, "a.test")

	secondA := make(chan *Permit, 1)
	go func() {
		permit, err := p.Acquire(context.Background(), "a.test")
		if err != nil {
			t.Error(err)
			return
		}
		secondA <- permit
	}()
	time.Sleep(50 * time.Millisecond) // let secondA take the global seat

	b := make(chan *Permit, 1)
	go func() {
		permit, err := p.Acquire(context.Background(), "b.test")
		if err != nil {
			t.Error(err)
			return
		}
		b <- permit
	}()

	select {
	case <-secondA:
		t.Fatal("a.test acquired twice concurrently")
	case <-b:
		t.Fatal("b.test acquired while global budget was exhausted")
	case <-time.After(100 * time.Millisecond):
	}

	first.Release()

	var got []*Permit
	for i := 0; i < 2; i++ {
		select {
		case permit := <-secondA:
			got = append(got, permit)
		case permit := <-b:
			got = append(got, permit)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 pending acquires proceeded after release", len(got))
		}
	}
	for _, permit := range got {
		permit.Release()
	}
}

func TestCancelledAcquireReturnsPartialPermit(t *testing.T) {
	// Per-host seat for a.test is held; a second a.test acquire takes a
	// global seat and then waits. Cancelling it must give that global
	// seat back.
	p := New(Config{MaxPerHost: 1, MaxTotal: 2})

	holder := acquireOrFatal(t, p, "a.test")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "a.test")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("cancelled acquire returned a permit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	// Both remaining global seats must be available: b.test and c.test
	// can acquire immediately.
	b := acquireOrFatal(t, p, "b.test")
	c := acquireOrFatal(t, p, "c.test")
	b.Release()
	c.Release()
	holder.Release()
}

func TestTryAcquire(t *testing.T) {
	p := New(Config{MaxPerHost: 1, MaxTotal: 2})

	first := p.TryAcquire("a.test")
	if first == nil {
		t.Fatal("TryAcquire failed on an empty pool")
	}
	if p.TryAcquire("a.test") != nil {
		t.Fatal("TryAcquire exceeded the per-host bound")
	}
	second := p.TryAcquire("b.test")
	if second == nil {
		t.Fatal("TryAcquire(b.test) failed with a free global seat")
	}
	if p.TryAcquire("c.test") != nil {
		t.Fatal("TryAcquire exceeded the global bound")
	}
	// A failed TryAcquire must not leak its tentative global seat.
	second.Release()
	if p.TryAcquire("c.test") == nil {
		t.Fatal("global seat leaked by a failed TryAcquire")
	}
	first.Release()
}

func TestBoundsUnderContention(t *testing.T) {
	const (
		maxPerHost = 2
		maxTotal   = 5
		workers    = 20
	)
	p := New(Config{MaxPerHost: maxPerHost, MaxTotal: maxTotal})
	hosts := []string{"a.test", "b.test", "c.test"}

	var (
		total   atomic.Int64
		perHost [3]atomic.Int64
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				hi := (w + i) % len(hosts)
				permit, err := p.Acquire(context.Background(), hosts[hi])
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if n := total.Add(1); n > maxTotal {
					t.Errorf("total outstanding permits = %d > %d", n, maxTotal)
				}
				if n := perHost[hi].Add(1); n > maxPerHost {
					t.Errorf("outstanding permits for %s = %d > %d", hosts[hi], n, maxPerHost)
				}
				perHost[hi].Add(-1)
				total.Add(-1)
				permit.Release()
			}
		}(w)
	}
	wg.Wait()

	if got := p.Stats().ActiveConnections; got != 0 {
		t.Fatalf("ActiveConnections = %d after all releases", got)
	}
}

func TestStatsCounters(t *testing.T) {
	p := New(Config{MaxPerHost: 2, MaxTotal: 4})

	permit := acquireOrFatal(t, p, "a.test")
	permit.MarkReused()
	permit.Release()
	p.NoteClosed()
	p.SetIdle(3)

	stats := p.Stats()
	if stats.ConnectionsCreated != 1 {
		t.Errorf("ConnectionsCreated = %d, want 1", stats.ConnectionsCreated)
	}
	if stats.ConnectionsReused != 1 {
		t.Errorf("ConnectionsReused = %d, want 1", stats.ConnectionsReused)
	}
	if stats.ConnectionsClosed != 1 {
		t.Errorf("ConnectionsClosed = %d, want 1", stats.ConnectionsClosed)
	}
	if stats.IdleConnections != 3 {
		t.Errorf("IdleConnections = %d, want 3", stats.IdleConnections)
	}
}

func TestDefaultsApplied(t *testing.T) {
	p := New(Config{})
	cfg := p.Config()
	if cfg.MaxPerHost != 6 || cfg.MaxTotal != 100 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
