// Package config loads the YAML configuration for the cache daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("90s", "5m") or a bare integer number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Memory  MemoryConfig  `yaml:"memory"`
	Disk    DiskConfig    `yaml:"disk"`
	DNS     DNSConfig     `yaml:"dns"`
	Pool    PoolConfig    `yaml:"pool"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  ServerConfig  `yaml:"server"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MemoryConfig sizes the in-memory tier. The cap is an entry count, not
// bytes.
type MemoryConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// DiskConfig sizes the persistent tier.
type DiskConfig struct {
	Directory string `yaml:"directory"`
	// MaxSize is the payload byte budget.
	MaxSize uint64 `yaml:"max_size"`
}

type DNSConfig struct {
	CacheTTL         Duration `yaml:"cache_ttl"`
	NegativeCacheTTL Duration `yaml:"negative_cache_ttl"`
	IPv6             *bool    `yaml:"ipv6"`
	PreferIPv4       *bool    `yaml:"prefer_ipv4"`
	Timeout          Duration `yaml:"timeout"`
	MaxEntries       int      `yaml:"max_entries"`
	MaxResolveQPS    float64  `yaml:"max_resolve_qps"`
	// Upstreams are host:port DNS servers queried directly. Empty means
	// the operating system resolver.
	Upstreams []string `yaml:"upstreams"`
}

type PoolConfig struct {
	MaxPerHost     int      `yaml:"max_per_host"`
	MaxTotal       int      `yaml:"max_total"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	HTTP2          *bool    `yaml:"http2"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies defaults, and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Memory.MaxEntries == 0 {
		cfg.Memory.MaxEntries = 1024
	}
	if cfg.Disk.Directory == "" {
		cfg.Disk.Directory = "cache"
	}
	if cfg.Disk.MaxSize == 0 {
		cfg.Disk.MaxSize = 256 << 20 // 256 MiB
	}
	if cfg.DNS.CacheTTL.Duration == 0 {
		cfg.DNS.CacheTTL.Duration = 5 * time.Minute
	}
	if cfg.DNS.NegativeCacheTTL.Duration == 0 {
		cfg.DNS.NegativeCacheTTL.Duration = time.Minute
	}
	if cfg.DNS.Timeout.Duration == 0 {
		cfg.DNS.Timeout.Duration = 5 * time.Second
	}
	if cfg.DNS.MaxEntries == 0 {
		cfg.DNS.MaxEntries = 10000
	}
	if cfg.DNS.IPv6 == nil {
		cfg.DNS.IPv6 = boolPtr(true)
	}
	if cfg.DNS.PreferIPv4 == nil {
		cfg.DNS.PreferIPv4 = boolPtr(true)
	}
	if cfg.Pool.MaxPerHost == 0 {
		cfg.Pool.MaxPerHost = 6
	}
	if cfg.Pool.MaxTotal == 0 {
		cfg.Pool.MaxTotal = 100
	}
	if cfg.Pool.IdleTimeout.Duration == 0 {
		cfg.Pool.IdleTimeout.Duration = 90 * time.Second
	}
	if cfg.Pool.ConnectTimeout.Duration == 0 {
		cfg.Pool.ConnectTimeout.Duration = 10 * time.Second
	}
	if cfg.Pool.HTTP2 == nil {
		cfg.Pool.HTTP2 = boolPtr(true)
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9100"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8640"
	}
}

func validate(cfg *Config) error {
	if cfg.Memory.MaxEntries < 0 {
		return fmt.Errorf("memory.max_entries must not be negative")
	}
	if cfg.Pool.MaxPerHost < 0 || cfg.Pool.MaxTotal < 0 {
		return fmt.Errorf("pool limits must not be negative")
	}
	if cfg.Pool.MaxPerHost > cfg.Pool.MaxTotal {
		return fmt.Errorf("pool.max_per_host (%d) exceeds pool.max_total (%d)",
			cfg.Pool.MaxPerHost, cfg.Pool.MaxTotal)
	}
	if cfg.DNS.MaxResolveQPS < 0 {
		return fmt.Errorf("dns.max_resolve_qps must not be negative")
	}
	for _, upstream := range cfg.DNS.Upstreams {
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			return fmt.Errorf("dns.upstreams entry %q is not host:port: %w", upstream, err)
		}
	}
	for name, addr := range map[string]string{
		"metrics.listen": cfg.Metrics.Listen,
		"server.listen":  cfg.Server.Listen,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s %q is not host:port: %w", name, addr, err)
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
