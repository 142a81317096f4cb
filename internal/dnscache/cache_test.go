package dnscache

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/tiercache/tiercache/internal/clock"
)

var testStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	addrs []netip.Addr
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeResolver) set(addrs []netip.Addr, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs, f.err = addrs, err
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestPositiveHitSkipsResolver(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{mustAddr(t, "192.0.2.1")}}
	clk := clock.NewFake(testStart)
	c := New(resolver, DefaultConfig(), WithClock(clk))

	first, err := c.Resolve(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := c.Resolve(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if resolver.callCount() != 1 {
		t.Fatalf("resolver called %d times, want 1", resolver.callCount())
	}
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("results differ: %v vs %v", first, second)
	}
}

func TestPositiveEntryExpires(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{mustAddr(t, "192.0.2.1")}}
	clk := clock.NewFake(testStart)
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	c := New(resolver, cfg, WithClock(clk))

	if _, err := c.Resolve(context.Background(), "example.test"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(61 * time.Second)
	if _, err := c.Resolve(context.Background(), "example.test"); err != nil {
		t.Fatal(err)
	}
	if resolver.callCount() != 2 {
		t.Fatalf("resolver called %d times after expiry, want 2", resolver.callCount())
	}
}

func TestNegativeCache(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("SERVFAIL")}
	clk := clock.NewFake(testStart)
	cfg := DefaultConfig()
	cfg.NegativeCacheTTL = time.Minute
	c := New(resolver, cfg, WithClock(clk))

	_, err := c.Resolve(context.Background(), "nope.test")
	var dnsErr *DNSError
	if !errors.As(err, &dnsErr) || dnsErr.Kind != KindResolutionFailed {
		t.Fatalf("Resolve err = %v, want ResolutionFailed", err)
	}

	// Fix the resolver: within the negative TTL the failure is still
	// served from cache and the resolver is not consulted.
	resolver.set([]netip.Addr{mustAddr(t, "192.0.2.1")}, nil)
	_, err = c.Resolve(context.Background(), "nope.test")
	if !IsNoAddresses(err) {
		t.Fatalf("within negative TTL: err = %v, want NoAddresses", err)
	}
	if resolver.callCount() != 1 {
		t.Fatalf("resolver called %d times, want 1", resolver.callCount())
	}

	// After the negative TTL the host resolves again.
	clk.Advance(61 * time.Second)
	addrs, err := c.Resolve(context.Background(), "nope.test")
	if err != nil || len(addrs) != 1 {
		t.Fatalf("after negative TTL: %v, %v", addrs, err)
	}
}

func TestEmptyResultCachedNegative(t *testing.T) {
	resolver := &fakeResolver{} // resolves to nothing
	clk := clock.NewFake(testStart)
	c := New(resolver, DefaultConfig(), WithClock(clk))

	_, err := c.Resolve(context.Background(), "empty.test")
	if !IsNoAddresses(err) {
		t.Fatalf("err = %v, want NoAddresses", err)
	}
	if _, err = c.Resolve(context.Background(), "empty.test"); !IsNoAddresses(err) {
		t.Fatalf("second resolve err = %v, want cached NoAddresses", err)
	}
	if resolver.callCount() != 1 {
		t.Fatalf("resolver called %d times, want 1", resolver.callCount())
	}

	stats := c.CacheStats()
	if stats.NegativeEntries != 1 || stats.PositiveEntries != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTimeoutMapsToTimeoutError(t *testing.T) {
	resolver := &fakeResolver{err: context.DeadlineExceeded}
	c := New(resolver, DefaultConfig(), WithClock(clock.NewFake(testStart)))

	_, err := c.Resolve(context.Background(), "slow.test")
	var dnsErr *DNSError
	if !errors.As(err, &dnsErr) || dnsErr.Kind != KindTimeout {
		t.Fatalf("err = %v, want Timeout kind", err)
	}
	// Timeouts are cached negative too.
	if _, err := c.Resolve(context.Background(), "slow.test"); !IsNoAddresses(err) {
		t.Fatalf("second resolve err = %v, want cached NoAddresses", err)
	}
}

func TestCancelledResolveDoesNotPoisonCache(t *testing.T) {
	blocking := ResolverFunc(func(ctx context.Context, _ string) ([]netip.Addr, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	clk := clock.NewFake(testStart)
	c := New(blocking, DefaultConfig(), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "hang.test")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Resolve did not return")
	}

	if stats := c.CacheStats(); stats.TotalEntries != 0 {
		t.Fatalf("cancelled resolve wrote a cache entry: %+v", stats)
	}
}

func TestFilterDropsIPv6WhenDisabled(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{
		mustAddr(t, "2001:db8::1"),
		mustAddr(t, "192.0.2.1"),
	}}
	cfg := DefaultConfig()
	cfg.IPv6 = false
	c := New(resolver, cfg, WithClock(clock.NewFake(testStart)))

	addrs, err := c.Resolve(context.Background(), "dual.test")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || !addrs[0].Is4() {
		t.Fatalf("addrs = %v, want only IPv4", addrs)
	}
}

func TestFilterOnlyIPv6WithIPv6Disabled(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{mustAddr(t, "2001:db8::1")}}
	cfg := DefaultConfig()
	cfg.IPv6 = false
	c := New(resolver, cfg, WithClock(clock.NewFake(testStart)))

	// The only answers are filtered out; the result is a negative entry.
	if _, err := c.Resolve(context.Background(), "v6only.test"); !IsNoAddresses(err) {
		t.Fatalf("err = %v, want NoAddresses", err)
	}
}

func TestFilterPrefersIPv4(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{
		mustAddr(t, "2001:db8::1"),
		mustAddr(t, "192.0.2.1"),
		mustAddr(t, "2001:db8::2"),
		mustAddr(t, "192.0.2.2"),
	}}
	c := New(resolver, DefaultConfig(), WithClock(clock.NewFake(testStart)))

	addrs, err := c.Resolve(context.Background(), "dual.test")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 4 {
		t.Fatalf("addrs = %v", addrs)
	}
	if !addrs[0].Is4() || !addrs[1].Is4() || addrs[2].Is4() || addrs[3].Is4() {
		t.Fatalf("ordering wrong: %v", addrs)
	}
}

func TestFilterDeduplicates(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{
		mustAddr(t, "192.0.2.1"),
		mustAddr(t, "::ffff:192.0.2.1"), // 4-in-6 form of the same address
		mustAddr(t, "192.0.2.1"),
	}}
	c := New(resolver, DefaultConfig(), WithClock(clock.NewFake(testStart)))

	addrs, err := c.Resolve(context.Background(), "dup.test")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 {
		t.Fatalf("addrs = %v, want single deduplicated address", addrs)
	}
}

func TestResolveSocketAddrs(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{
		mustAddr(t, "192.0.2.1"),
		mustAddr(t, "192.0.2.2"),
	}}
	c := New(resolver, DefaultConfig(), WithClock(clock.NewFake(testStart)))

	socketAddrs, err := c.ResolveSocketAddrs(context.Background(), "example.test", 443)
	if err != nil {
		t.Fatal(err)
	}
	if len(socketAddrs) != 2 {
		t.Fatalf("socketAddrs = %v", socketAddrs)
	}
	for _, sa := range socketAddrs {
		if sa.Port() != 443 {
			t.Errorf("port = %d, want 443", sa.Port())
		}
	}
}

func TestCleanupCache(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{mustAddr(t, "192.0.2.1")}}
	clk := clock.NewFake(testStart)
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	cfg.NegativeCacheTTL = 10 * time.Second
	c := New(resolver, cfg, WithClock(clk))

	c.Resolve(context.Background(), "a.test")
	resolver.set(nil, nil)
	c.Resolve(context.Background(), "b.test") // negative, 10s TTL

	clk.Advance(30 * time.Second)
	removed := c.CleanupCache()
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (the negative entry)", removed)
	}
	stats := c.CacheStats()
	if stats.TotalEntries != 1 || stats.PositiveEntries != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestClearCache(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{mustAddr(t, "192.0.2.1")}}
	c := New(resolver, DefaultConfig(), WithClock(clock.NewFake(testStart)))

	c.Resolve(context.Background(), "a.test")
	c.ClearCache()
	if stats := c.CacheStats(); stats.TotalEntries != 0 {
		t.Fatalf("stats after clear = %+v", stats)
	}
	c.Resolve(context.Background(), "a.test")
	if resolver.callCount() != 2 {
		t.Fatalf("resolver called %d times, want 2 after clear", resolver.callCount())
	}
}

func TestMaxEntriesTrims(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{mustAddr(t, "192.0.2.1")}}
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c := New(resolver, cfg, WithClock(clock.NewFake(testStart)))

	c.Resolve(context.Background(), "a.test")
	c.Resolve(context.Background(), "b.test")
	c.Resolve(context.Background(), "c.test")

	if stats := c.CacheStats(); stats.TotalEntries != 2 {
		t.Fatalf("TotalEntries = %d, want 2", stats.TotalEntries)
	}
}

func TestReturnedSliceIsCallerOwned(t *testing.T) {
	resolver := &fakeResolver{addrs: []netip.Addr{
		mustAddr(t, "192.0.2.1"),
		mustAddr(t, "192.0.2.2"),
	}}
	c := New(resolver, DefaultConfig(), WithClock(clock.NewFake(testStart)))

	first, _ := c.Resolve(context.Background(), "example.test")
	first[0] = mustAddr(t, "203.0.113.9")

	second, _ := c.Resolve(context.Background(), "example.test")
	if second[0] != mustAddr(t, "192.0.2.1") {
		t.Fatalf("cached entry mutated through returned slice: %v", second)
	}
}
