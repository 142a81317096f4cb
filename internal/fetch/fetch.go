// Package fetch retrieves HTTP resources through the connection
// admission pool, resolving hostnames via the DNS cache and storing
// cacheable responses in the HTTP cache.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tiercache/tiercache/internal/connpool"
	"github.com/tiercache/tiercache/internal/dnscache"
	"github.com/tiercache/tiercache/internal/httpcache"
	"github.com/tiercache/tiercache/internal/logging"
)

// maxBodyBytes bounds how much of a response body is read and cached.
const maxBodyBytes = 64 << 20

// requestTimeout bounds a full fetch including body transfer.
const requestTimeout = 30 * time.Second

// Fetcher is a caching HTTP client. Every request first consults the
// HTTP cache; on a miss it acquires a connection permit for the target
// host, performs the request, and stores cacheable responses.
type Fetcher struct {
	cache  *httpcache.Cache
	pool   *connpool.Pool
	client *http.Client
	logger *slog.Logger
}

// New builds a Fetcher over cache and pool. The underlying transport
// resolves hostnames through dns and takes its limits from the pool
// configuration.
func New(cache *httpcache.Cache, pool *connpool.Pool, dns *dnscache.Cache, logger *slog.Logger) *Fetcher {
	cfg := pool.Config()
	return &Fetcher{
		cache: cache,
		pool:  pool,
		client: &http.Client{
			Transport: NewTransport(cfg, dns),
			Timeout:   requestTimeout,
		},
		logger: logging.OrDiscard(logger),
	}
}

// NewTransport builds an http.Transport whose dialer resolves
// hostnames through the DNS cache and tries each returned address in
// order. IP literals bypass the cache. Idle-connection limits and the
// HTTP/2 switch come from the pool configuration.
func NewTransport(cfg connpool.Config, dns *dnscache.Cache) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &http.Transport{
		ForceAttemptHTTP2:   cfg.HTTP2,
		MaxIdleConns:        cfg.MaxTotal,
		MaxIdleConnsPerHost: cfg.MaxPerHost,
		IdleConnTimeout:     cfg.IdleTimeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			if _, err := netip.ParseAddr(host); err == nil {
				return dialer.DialContext(ctx, network, addr)
			}
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
			}
			socketAddrs, err := dns.ResolveSocketAddrs(ctx, host, uint16(port))
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, sa := range socketAddrs {
				conn, err := dialer.DialContext(ctx, network, sa.String())
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
}

// Result is the outcome of a fetch.
type Result struct {
	Entry  *httpcache.Entry
	Cached bool
}

// Fetch returns the resource at rawURL, from cache when fresh,
// otherwise over the network. Network fetches hold a connection permit
// for the target host for the duration of the request.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, fmt.Errorf("fetch %q: unsupported scheme %q", rawURL, u.Scheme)
	}

	if entry, ok, err := f.cache.Lookup(rawURL); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Entry: entry, Cached: true}, nil
	}

	permit, err := f.pool.Acquire(ctx, u.Hostname())
	if err != nil {
		return Result{}, fmt.Errorf("fetch %q: %w", rawURL, err)
	}
	defer permit.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("fetch %q: read body: %w", rawURL, err)
	}
	if len(body) > maxBodyBytes {
		return Result{}, fmt.Errorf("fetch %q: body exceeds %d bytes", rawURL, maxBodyBytes)
	}

	entry := httpcache.Entry{
		URL:          rawURL,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Headers:      flattenHeaders(resp.Header),
		Data:         body,
		ExpiresAt:    responseExpiry(resp.Header, time.Now()),
	}
	if err := f.cache.Store(entry); err != nil {
		if err == httpcache.ErrNotCacheable {
			f.logger.Debug("response not cacheable", "url", rawURL, "status", resp.StatusCode)
		} else {
			f.logger.Warn("failed to cache response", "url", rawURL, "err", err)
		}
	}
	return Result{Entry: &entry}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

// responseExpiry derives an expiry from Cache-Control max-age or the
// Expires header. Nil means no expiry was supplied.
func responseExpiry(h http.Header, now time.Time) *time.Time {
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		value, found := strings.CutPrefix(directive, "max-age=")
		if !found {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 0 {
			continue
		}
		expires := now.Add(time.Duration(seconds) * time.Second)
		return &expires
	}
	if raw := h.Get("Expires"); raw != "" {
		if parsed, err := http.ParseTime(raw); err == nil {
			return &parsed
		}
	}
	return nil
}
