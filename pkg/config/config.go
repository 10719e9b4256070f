package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Allowlist maps a domain name to the IPv4 address served for it.
	// Keys are normalized (lower case, no trailing dot) by Load.
	Allowlist map[string]string `yaml:"allowlist"`

	// AnswerTTL is the TTL carried by synthesized A records
	AnswerTTL time.Duration `yaml:"answer_ttl"`

	// Response cache
	Cache CacheConfig `yaml:"cache"`

	// Per-client rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Query log storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress           string        `yaml:"listen_address"`
	Workers                 int           `yaml:"workers"`
	MaxPacketSize           int           `yaml:"max_packet_size"`
	RequireRecursionDesired *bool         `yaml:"require_recursion_desired"`
	MaxPacketsPerSecond     float64       `yaml:"max_packets_per_second"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Shards int           `yaml:"shards"`
}

// RateLimitConfig configures the sliding-window limiter and temporary blocklist.
type RateLimitConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	Requests        int           `yaml:"requests"`
	Window          time.Duration `yaml:"window"`
	BlockDuration   time.Duration `yaml:"block_duration"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ExemptCIDRs     []string      `yaml:"exempt_cidrs"`
}

// StorageConfig holds query log settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// RecursionDesiredRequired reports whether packets without the RD bit are dropped.
func (s ServerConfig) RecursionDesiredRequired() bool {
	return s.RequireRecursionDesired == nil || *s.RequireRecursionDesired
}

// IsEnabled reports whether per-client rate limiting is active.
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// NormalizeDomain lower-cases a domain and strips surrounding space and the trailing dot.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0:53"
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 16
	}
	if c.Server.MaxPacketSize == 0 {
		c.Server.MaxPacketSize = 512
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 2 * time.Second
	}

	if c.AnswerTTL == 0 {
		c.AnswerTTL = 300 * time.Second
	}

	normalized := make(map[string]string, len(c.Allowlist))
	for domain, ip := range c.Allowlist {
		normalized[NormalizeDomain(domain)] = strings.TrimSpace(ip)
	}
	c.Allowlist = normalized

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 300 * time.Second
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = 16
	}

	// Rate limit defaults
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 10
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 10 * time.Second
	}
	if c.RateLimit.BlockDuration == 0 {
		c.RateLimit.BlockDuration = 30 * time.Second
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = time.Minute
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./small-dns.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "small-dns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be at least 1, got %d", c.Server.Workers)
	}
	if c.Server.MaxPacketSize < 12 {
		return fmt.Errorf("server.max_packet_size must hold a DNS header, got %d", c.Server.MaxPacketSize)
	}
	if c.Server.MaxPacketsPerSecond < 0 {
		return fmt.Errorf("server.max_packets_per_second cannot be negative")
	}

	for domain, ip := range c.Allowlist {
		if domain == "" {
			return fmt.Errorf("allowlist contains an empty domain")
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("allowlist entry %s: %q is not an IPv4 address", domain, ip)
		}
	}

	if c.AnswerTTL < time.Second {
		return fmt.Errorf("answer_ttl must be at least 1s, got %s", c.AnswerTTL)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.Shards < 1 {
		return fmt.Errorf("cache.shards must be at least 1, got %d", c.Cache.Shards)
	}

	if c.RateLimit.Requests < 1 {
		return fmt.Errorf("rate_limit.requests must be at least 1, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.BlockDuration <= 0 {
		return fmt.Errorf("rate_limit.window and rate_limit.block_duration must be positive")
	}
	for _, cidr := range c.RateLimit.ExemptCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("rate_limit.exempt_cidrs: invalid CIDR %q: %w", cidr, err)
		}
	}

	if c.Storage.Enabled && c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must be set when storage is enabled")
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
