// Package models - Service configuration and operational settings.
// This file defines the configuration structures for all service components.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, rate limit, redis, etc.)
// - Defaults that run a single instance with no external services
// - Validation at startup so misconfigured quotas never serve traffic
// - Redis is optional: without it the limiter runs on local counters only
package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Storage type constants
const (
	StorageTypeJSON     = "json"
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and network settings
// - Storage: Organization policy persistence
// - Security: API keys for the policy admin endpoints
// - RateLimit: Default quota and limiter tuning
// - Redis: Shared counter store
// - PolicyCache: Caching of per-organization overrides
// - Logging, Metrics, Observability: Operational visibility
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Redis         RedisConfig         `yaml:"redis" json:"redis"`
	PolicyCache   PolicyCacheConfig   `yaml:"policy_cache" json:"policy_cache"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Path     string         `yaml:"path" json:"path"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn" json:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" json:"max_idle_conns"`
}

type SecurityConfig struct {
	EnableAuth bool     `yaml:"enable_auth" json:"enable_auth"`
	APIKeys    []APIKey `yaml:"api_keys" json:"api_keys"`
}

type APIKey struct {
	Key         string   `yaml:"key" json:"key"`
	Name        string   `yaml:"name" json:"name"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
}

// RateLimitConfig holds the process-wide default quota and limiter tuning.
//
// Limit and Window form the default quota applied to every organization
// without an override. Timeout bounds each shared store call; ProbeInterval
// is the fixed spacing of recovery probes while degraded.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Limit         int           `yaml:"limit" json:"limit"`
	Window        time.Duration `yaml:"window" json:"window"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	IdleWindows   int           `yaml:"idle_windows" json:"idle_windows"`
	SkipPaths     []string      `yaml:"skip_paths" json:"skip_paths"`
	MaxStatsKeys  int           `yaml:"max_stats_keys" json:"max_stats_keys"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Addr        string        `yaml:"addr" json:"addr"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
	KeyPrefix   string        `yaml:"key_prefix" json:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

type PolicyCacheConfig struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with defaults for a single instance.
//
// Default Values Rationale:
// - 100 requests per 60s: the historical default quota of the API
// - 50ms shared store timeout: a slow Redis must not stall requests
// - 5s probe interval: fixed, jitter-free recovery cadence
// - Redis disabled: local counters until a shared store is configured
// - Memory policy storage: no external dependencies
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Path: "./data/policies.json",
			Database: DatabaseConfig{
				MaxOpenConns: 10,
				MaxIdleConns: 2,
			},
		},
		Security: SecurityConfig{
			EnableAuth: false,
			APIKeys:    []APIKey{},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Limit:         100,
			Window:        60 * time.Second,
			Timeout:       50 * time.Millisecond,
			ProbeInterval: 5 * time.Second,
			SweepInterval: time.Minute,
			IdleWindows:   3,
			SkipPaths:     []string{"/", "/health", "/api/v1/health", "/metrics"},
			MaxStatsKeys:  10000,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PoolSize:    20,
			KeyPrefix:   "throttler:",
			DialTimeout: 5 * time.Second,
		},
		PolicyCache: PolicyCacheConfig{
			TTL: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "throttler",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("invalid redis config: %w", err)
	}

	if c.PolicyCache.TTL < 0 {
		return errors.New("invalid policy cache config: ttl cannot be negative")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	validTypes := []string{StorageTypeJSON, StorageTypeMemory, StorageTypePostgres, StorageTypeSQLite}
	if !slices.Contains(validTypes, stc.Type) {
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}

	if stc.Type == StorageTypeJSON && stc.Path == "" {
		return errors.New("path is required for JSON storage")
	}

	if (stc.Type == StorageTypePostgres || stc.Type == StorageTypeSQLite) && stc.Database.DSN == "" {
		return errors.New("database DSN is required for database storage")
	}

	return nil
}

func (sec *SecurityConfig) Validate() error {
	for _, apiKey := range sec.APIKeys {
		if apiKey.Key == "" {
			return errors.New("API key cannot be empty")
		}
		if apiKey.Name == "" {
			return errors.New("API key name cannot be empty")
		}
	}

	if sec.EnableAuth && len(sec.APIKeys) == 0 {
		return errors.New("at least one API key is required when auth is enabled")
	}

	return nil
}

// Validate rejects non-positive quotas and intervals. Quotas are checked even
// when rate limiting is disabled so a config that is switched on later cannot
// carry an invalid default.
func (rc *RateLimitConfig) Validate() error {
	if rc.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", rc.Limit)
	}
	if rc.Window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms, got %s", rc.Window)
	}
	if rc.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if rc.ProbeInterval <= 0 {
		return errors.New("probe interval must be positive")
	}
	if rc.SweepInterval < 0 {
		return errors.New("sweep interval cannot be negative")
	}
	if rc.IdleWindows < 0 {
		return errors.New("idle windows cannot be negative")
	}
	return nil
}

func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Addr == "" {
		return errors.New("Redis address is required when redis is enabled")
	}
	if r.DB < 0 {
		return errors.New("Redis DB cannot be negative")
	}
	if r.PoolSize < 0 {
		return errors.New("Redis pool size cannot be negative")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}
	if oc.ServiceName == "" {
		return errors.New("service name is required when tracing is enabled")
	}
	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required for the otlp exporter")
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}

func (ak *APIKey) HasPermission(permission string) bool {
	if !ak.Enabled {
		return false
	}
	for _, p := range ak.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}
