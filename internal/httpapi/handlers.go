package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/tiercache/tiercache/internal/connpool"
	"github.com/tiercache/tiercache/internal/dnscache"
	"github.com/tiercache/tiercache/internal/resourcecache"
)

// maxPutBytes bounds an uploaded cache entry body.
const maxPutBytes = 64 << 20

// handleCacheRoot serves DELETE /cache, which clears both tiers.
func (s *server) handleCacheRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if err := s.resources.Clear(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCacheEntry serves GET, PUT, and DELETE on /cache/<key>. The
// key is the remainder of the path, so slashes in keys are fine.
func (s *server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "cache key required (e.g. /cache/mykey)"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		data, found, err := s.resources.Get(key)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxPutBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if len(data) > maxPutBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "body too large"})
			return
		}
		if err := s.resources.Put(key, data); err != nil {
			writeJSON(w, http.StatusInsufficientStorage, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bytes": len(data)})
	case http.MethodDelete:
		if err := s.resources.Remove(key); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

// handleDNS serves GET /dns/<host>, resolving through the DNS cache.
func (s *server) handleDNS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	host := strings.TrimPrefix(r.URL.Path, "/dns/")
	if host == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "host required (e.g. /dns/example.com)"})
		return
	}
	addrs, err := s.dns.Resolve(r.Context(), host)
	if err != nil {
		status := http.StatusBadGateway
		if dnscache.IsNoAddresses(err) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"host": host, "addresses": out})
}

// handleFetch serves GET /fetch?url=..., pulling the resource through
// the caching fetcher.
func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "url query parameter required"})
		return
	}
	res, err := s.fetcher.Fetch(r.Context(), rawURL)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if res.Entry.ContentType != "" {
		w.Header().Set("Content-Type", res.Entry.ContentType)
	}
	w.WriteHeader(res.Entry.StatusCode)
	_, _ = w.Write(res.Entry.Data)
}

// statsResponse aggregates per-component stats for GET /stats.
type statsResponse struct {
	Cache resourcecache.Stats `json:"cache"`
	DNS   dnscache.Stats      `json:"dns"`
	Pool  connpool.Stats      `json:"pool"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSONAny(w, http.StatusOK, statsResponse{
		Cache: s.resources.Stats(),
		DNS:   s.dns.CacheStats(),
		Pool:  s.pool.Stats(),
	})
}
