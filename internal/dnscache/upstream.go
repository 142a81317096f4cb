package dnscache

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const defaultUpstreamTimeout = 2 * time.Second

// UpstreamResolver resolves hosts by querying configured DNS servers
// directly (A and AAAA over UDP, with a TCP retry on truncation),
// bypassing the OS stub resolver. Upstream addresses are host:port,
// e.g. "1.1.1.1:53".
type UpstreamResolver struct {
	upstreams []string
	udpClient *dns.Client
	tcpClient *dns.Client
}

// NewUpstreamResolver creates a resolver querying the given upstreams in
// order until one answers. timeout bounds each individual exchange;
// zero means a 2s default.
func NewUpstreamResolver(upstreams []string, timeout time.Duration) (*UpstreamResolver, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("dnscache: at least one upstream is required")
	}
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &UpstreamResolver{
		upstreams: upstreams,
		udpClient: &dns.Client{Net: "udp", Timeout: timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

// Resolve queries A and AAAA in parallel and merges the answers, IPv4
// first. It fails only when both queries fail; NXDOMAIN and empty
// answers yield an empty (non-error) result, which the cache converts
// to a negative entry.
func (r *UpstreamResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(host)

	var (
		wg    sync.WaitGroup
		v4    []netip.Addr
		v6    []netip.Addr
		errA  error
		errAA error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		v4, errA = r.query(ctx, fqdn, dns.TypeA)
	}()
	go func() {
		defer wg.Done()
		v6, errAA = r.query(ctx, fqdn, dns.TypeAAAA)
	}()
	wg.Wait()

	if errA != nil && errAA != nil {
		return nil, errA
	}
	return append(v4, v6...), nil
}

// query exchanges one question with the upstreams in order, retrying a
// truncated UDP response over TCP.
func (r *UpstreamResolver) query(ctx context.Context, fqdn string, qtype uint16) ([]netip.Addr, error) {
	req := new(dns.Msg)
	req.SetQuestion(fqdn, qtype)

	var lastErr error
	for _, upstream := range r.upstreams {
		resp, _, err := r.udpClient.ExchangeContext(ctx, req, upstream)
		if err == nil && resp != nil && resp.Truncated {
			resp, _, err = r.tcpClient.ExchangeContext(ctx, req, upstream)
		}
		if err != nil {
			lastErr = fmt.Errorf("dnscache: upstream %s: %w", upstream, err)
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			return extractAddrs(resp), nil
		default:
			lastErr = fmt.Errorf("dnscache: upstream %s returned %s", upstream, dns.RcodeToString[resp.Rcode])
		}
	}
	return nil, lastErr
}

func extractAddrs(resp *dns.Msg) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(record.AAAA.To16()); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}
