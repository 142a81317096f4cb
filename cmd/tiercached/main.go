// Command tiercached runs the tiered resource cache daemon: a
// memory-plus-disk resource cache, a TTL'd DNS cache, and a bounded
// connection admission pool, exposed over a small HTTP API with
// Prometheus metrics on a separate listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/connpool"
	"github.com/tiercache/tiercache/internal/dnscache"
	"github.com/tiercache/tiercache/internal/fetch"
	"github.com/tiercache/tiercache/internal/httpapi"
	"github.com/tiercache/tiercache/internal/httpcache"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/internal/resourcecache"
)

// gaugeInterval is how often occupancy gauges are refreshed and
// expired DNS entries swept.
const gaugeInterval = 30 * time.Second

func main() {
	metrics.Init()

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tiercached: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})

	resources, err := resourcecache.New(resourcecache.Config{
		MaxEntries: cfg.Memory.MaxEntries,
		Directory:  cfg.Disk.Directory,
		MaxSize:    cfg.Disk.MaxSize,
	}, logger)
	if err != nil {
		logging.Fatal(logger, "failed to open resource cache", "err", err)
	}

	var resolver dnscache.Resolver
	if len(cfg.DNS.Upstreams) > 0 {
		upstream, err := dnscache.NewUpstreamResolver(cfg.DNS.Upstreams, cfg.DNS.Timeout.Duration)
		if err != nil {
			logging.Fatal(logger, "failed to build upstream resolver", "err", err)
		}
		resolver = upstream
		logger.Info("resolving via upstreams", "upstreams", cfg.DNS.Upstreams)
	} else {
		resolver = dnscache.NewSystemResolver(nil)
		logger.Info("resolving via system resolver")
	}
	dns := dnscache.New(resolver, dnscache.Config{
		CacheTTL:         cfg.DNS.CacheTTL.Duration,
		NegativeCacheTTL: cfg.DNS.NegativeCacheTTL.Duration,
		IPv6:             *cfg.DNS.IPv6,
		PreferIPv4:       *cfg.DNS.PreferIPv4,
		Timeout:          cfg.DNS.Timeout.Duration,
		MaxEntries:       cfg.DNS.MaxEntries,
		MaxResolveQPS:    cfg.DNS.MaxResolveQPS,
	}, dnscache.WithLogger(logger))

	pool := connpool.New(connpool.Config{
		MaxPerHost:     cfg.Pool.MaxPerHost,
		MaxTotal:       cfg.Pool.MaxTotal,
		IdleTimeout:    cfg.Pool.IdleTimeout.Duration,
		ConnectTimeout: cfg.Pool.ConnectTimeout.Duration,
		HTTP2:          *cfg.Pool.HTTP2,
	})

	httpCache := httpcache.New(resources, logger)
	fetcher := fetch.New(httpCache, pool, dns, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiServer := httpapi.Start(httpapi.Config{
		Listen:    cfg.Server.Listen,
		Resources: resources,
		DNS:       dns,
		Pool:      pool,
		Fetcher:   fetcher,
		Logger:    logger,
	})
	metricsServer := startMetricsServer(cfg.Metrics.Listen, logger)

	go func() {
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.UpdateGauges(resources)
				if removed := dns.CleanupCache(); removed > 0 {
					logger.Debug("swept expired dns entries", "removed", removed)
				}
			}
		}
	}()

	stats := resources.Stats()
	logger.Info("tiercached started",
		"disk_entries", stats.DiskEntries,
		"disk_bytes", stats.DiskBytes,
		"disk_max_bytes", stats.DiskMaxBytes,
	)

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("tiercached stopped")
}

// startMetricsServer serves the Prometheus registry on its own
// listener.
func startMetricsServer(listen string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    listen,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics server listening", "addr", listen)
	return server
}
