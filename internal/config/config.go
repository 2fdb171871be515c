package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"throttler/internal/models"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "THROTTLER_"

// Load loads configuration from file and environment variables.
// Precedence: defaults, then the YAML file, then THROTTLER_* variables.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// deprecatedConfig mirrors renamed config keys for detecting stale operator configs.
type deprecatedConfig struct {
	RateLimit struct {
		UseRedis   *bool  `yaml:"use_redis"`
		RedisURL   string `yaml:"redis_url"`
		WindowSize any    `yaml:"window_size"`
	} `yaml:"rate_limit"`
}

// warnDeprecatedKeys logs a warning for each renamed config key found in the YAML data.
// The service continues to start normally; these keys are ignored by the main decoder.
func warnDeprecatedKeys(data []byte) {
	var dep deprecatedConfig
	if err := yaml.Unmarshal(data, &dep); err != nil {
		return
	}
	if dep.RateLimit.UseRedis != nil {
		slog.Warn("Config key is no longer used; set redis.enabled instead.", "config_key", "rate_limit.use_redis")
	}
	if dep.RateLimit.RedisURL != "" {
		slog.Warn("Config key is no longer used; set redis.addr or THROTTLER_REDIS_URL instead.", "config_key", "rate_limit.redis_url")
	}
	if dep.RateLimit.WindowSize != nil {
		slog.Warn("Config key is no longer used; set rate_limit.window as a duration instead.", "config_key", "rate_limit.window_size")
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnDeprecatedKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment overrides config with THROTTLER_* environment variables.
// Unparseable numbers and durations are ignored, matching unset variables.
func loadFromEnvironment(config *models.Config) error {
	// Server configuration
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &config.Server.TLSKeyFile)

	// Storage configuration
	envString("STORAGE_TYPE", &config.Storage.Type)
	envString("STORAGE_PATH", &config.Storage.Path)
	envString("DATABASE_DSN", &config.Storage.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)

	// Security configuration
	envBool("ENABLE_AUTH", &config.Security.EnableAuth)
	if key := os.Getenv(EnvPrefix + "ADMIN_API_KEY"); key != "" {
		config.Security.APIKeys = append(config.Security.APIKeys, models.APIKey{
			Key:         key,
			Name:        "env-admin",
			Permissions: []string{"admin"},
			Enabled:     true,
		})
	}

	// Rate limit configuration
	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)
	envDuration("RATE_LIMIT_TIMEOUT", &config.RateLimit.Timeout)
	envDuration("RATE_LIMIT_PROBE_INTERVAL", &config.RateLimit.ProbeInterval)
	envDuration("RATE_LIMIT_SWEEP_INTERVAL", &config.RateLimit.SweepInterval)
	envInt("RATE_LIMIT_IDLE_WINDOWS", &config.RateLimit.IdleWindows)
	if paths := os.Getenv(EnvPrefix + "RATE_LIMIT_SKIP_PATHS"); paths != "" {
		config.RateLimit.SkipPaths = splitList(paths)
	}

	// Redis configuration
	if url := os.Getenv(EnvPrefix + "REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_URL: %w", EnvPrefix, err)
		}
		config.Redis.Enabled = true
		config.Redis.Addr = opts.Addr
		config.Redis.Password = opts.Password
		config.Redis.DB = opts.DB
	}
	envBool("REDIS_ENABLED", &config.Redis.Enabled)
	envString("REDIS_ADDR", &config.Redis.Addr)
	envString("REDIS_PASSWORD", &config.Redis.Password)
	envInt("REDIS_DB", &config.Redis.DB)
	envInt("REDIS_POOL_SIZE", &config.Redis.PoolSize)
	envString("REDIS_KEY_PREFIX", &config.Redis.KeyPrefix)
	envDuration("REDIS_DIAL_TIMEOUT", &config.Redis.DialTimeout)

	envDuration("POLICY_CACHE_TTL", &config.PolicyCache.TTL)

	// Logging configuration
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics configuration
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)

	// Observability configuration
	envString("SERVICE_NAME", &config.Observability.ServiceName)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	if rate := os.Getenv(EnvPrefix + "TRACING_SAMPLE_RATE"); rate != "" {
		if f, err := strconv.ParseFloat(rate, 64); err == nil {
			config.Observability.Tracing.SampleRate = f
		}
	}

	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

// envDuration accepts Go durations ("500ms") and bare integers as seconds.
func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	// Example shared store and admin key
	config.Redis.Enabled = true
	config.Security.EnableAuth = true
	config.Security.APIKeys = []models.APIKey{{
		Key:         "change-me",
		Name:        "admin",
		Permissions: []string{"admin"},
		Enabled:     true,
	}}

	// Example TLS configuration
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
