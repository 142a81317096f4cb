// Package httpcache stores HTTP responses in the resource cache,
// honoring a supplied expiry. There is no freshness heuristic and no
// revalidation here: an entry is served until its expiry passes, then
// treated as a miss. Validator fields (ETag, Last-Modified) are carried
// for the network layer to use in conditional requests.
package httpcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiercache/tiercache/internal/clock"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/internal/resourcecache"
)

// Entry is one cached HTTP response.
type Entry struct {
	URL          string
	StatusCode   int
	ContentType  string
	ETag         string
	LastModified string
	Headers      map[string]string
	Data         []byte
	CreatedAt    time.Time
	// ExpiresAt, when non-nil, is the supplied expiry after which the
	// entry is no longer served.
	ExpiresAt *time.Time
}

// envelope is the stored JSON form; times are unix seconds.
type envelope struct {
	URL          string            `json:"url"`
	StatusCode   int               `json:"status"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Data         []byte            `json:"data"`
	Created      int64             `json:"created"`
	Expires      *int64            `json:"expires,omitempty"`
}

// cacheableStatus lists the response codes worth storing.
var cacheableStatus = map[int]bool{
	200: true,
	203: true,
	300: true,
	301: true,
	410: true,
}

// ErrNotCacheable is returned by Store for response codes outside the
// cacheable set.
var ErrNotCacheable = fmt.Errorf("httpcache: status not cacheable")

// Cache layers HTTP semantics over a resource cache.
type Cache struct {
	store  *resourcecache.Cache
	clk    clock.Clock
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clk = clk }
}

// New creates an HTTP cache over store.
func New(store *resourcecache.Cache, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		clk:    clock.Real(),
		logger: logging.OrDiscard(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store persists entry under its URL. The entry's CreatedAt is stamped
// here.
func (c *Cache) Store(entry Entry) error {
	if !cacheableStatus[entry.StatusCode] {
		return fmt.Errorf("%w (%d): %s", ErrNotCacheable, entry.StatusCode, entry.URL)
	}

	env := envelope{
		URL:          entry.URL,
		StatusCode:   entry.StatusCode,
		ContentType:  entry.ContentType,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		Headers:      entry.Headers,
		Data:         entry.Data,
		Created:      c.clk.Now().Unix(),
	}
	if entry.ExpiresAt != nil {
		expires := entry.ExpiresAt.Unix()
		env.Expires = &expires
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("httpcache: encode %s: %w", entry.URL, err)
	}
	return c.store.Put(entry.URL, data)
}

// Lookup returns the unexpired entry for url. Expired or undecodable
// entries are removed and reported as misses.
func (c *Cache) Lookup(url string) (*Entry, bool, error) {
	data, ok, err := c.store.Get(url)
	if err != nil || !ok {
		return nil, false, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping undecodable http cache entry", "url", url, "error", err)
		_ = c.store.Remove(url)
		return nil, false, nil
	}

	entry := &Entry{
		URL:          env.URL,
		StatusCode:   env.StatusCode,
		ContentType:  env.ContentType,
		ETag:         env.ETag,
		LastModified: env.LastModified,
		Headers:      env.Headers,
		Data:         env.Data,
		CreatedAt:    time.Unix(env.Created, 0),
	}
	if env.Expires != nil {
		expires := time.Unix(*env.Expires, 0)
		entry.ExpiresAt = &expires
		if !c.clk.Now().Before(expires) {
			_ = c.store.Remove(url)
			return nil, false, nil
		}
	}
	return entry, true, nil
}

// Remove deletes the entry for url.
func (c *Cache) Remove(url string) error {
	return c.store.Remove(url)
}

// Clear empties the underlying resource cache.
func (c *Cache) Clear() error {
	return c.store.Clear()
}
