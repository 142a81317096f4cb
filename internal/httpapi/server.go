// Package httpapi exposes the cache daemon's HTTP surface: raw cache
// entry access, DNS lookups, resource fetching, and stats.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/tiercache/tiercache/internal/connpool"
	"github.com/tiercache/tiercache/internal/dnscache"
	"github.com/tiercache/tiercache/internal/fetch"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/internal/resourcecache"
)

// Config holds dependencies for the API server.
type Config struct {
	Listen    string
	Resources *resourcecache.Cache
	DNS       *dnscache.Cache
	Pool      *connpool.Pool
	Fetcher   *fetch.Fetcher
	Logger    *slog.Logger
}

type server struct {
	resources *resourcecache.Cache
	dns       *dnscache.Cache
	pool      *connpool.Pool
	fetcher   *fetch.Fetcher
	logger    *slog.Logger
}

// Handler builds the API mux. Exposed separately from Start so tests
// can drive it without a listener.
func Handler(cfg Config) http.Handler {
	s := &server{
		resources: cfg.Resources,
		dns:       cfg.DNS,
		pool:      cfg.Pool,
		fetcher:   cfg.Fetcher,
		logger:    logging.OrDiscard(cfg.Logger),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/cache", s.handleCacheRoot)
	mux.HandleFunc("/cache/", s.handleCacheEntry)
	mux.HandleFunc("/dns/", s.handleDNS)
	mux.HandleFunc("/fetch", s.handleFetch)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start runs the API server on cfg.Listen in a goroutine and returns
// it for shutdown.
func Start(cfg Config) *http.Server {
	logger := logging.OrDiscard(cfg.Logger)
	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: Handler(cfg),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	logger.Info("api server listening", "addr", cfg.Listen)
	return server
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONAny(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
