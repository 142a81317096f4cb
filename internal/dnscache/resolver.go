package dnscache

import (
	"context"
	"net"
	"net/netip"
)

// Resolver performs the actual host→address lookup. The cache supplies
// only the host; filtering and TTL policy live in the cache.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func (f ResolverFunc) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return f(ctx, host)
}

// SystemResolver resolves through the operating system's stub resolver.
type SystemResolver struct {
	resolver *net.Resolver
}

// NewSystemResolver returns a SystemResolver. A nil inner resolver means
// net.DefaultResolver.
func NewSystemResolver(inner *net.Resolver) *SystemResolver {
	if inner == nil {
		inner = net.DefaultResolver
	}
	return &SystemResolver{resolver: inner}
}

func (r *SystemResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return r.resolver.LookupNetIP(ctx, "ip", host)
}
