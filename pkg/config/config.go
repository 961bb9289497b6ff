package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/hirebridge/pkg/observability"
)

// Cache backends for the SSO public key cache
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Central       CentralConfig
	Tenancy       TenancyConfig
	Sync          SyncConfig
	SSO           SSOConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the ops HTTP server settings
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// CentralConfig points at the central (shared) database
type CentralConfig struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// TenancyConfig configures the tenant registry and per-tenant connections
type TenancyConfig struct {
	RegistryPath  string
	WatchRegistry bool
	PoolSize      int
}

// SyncConfig configures scheduled master-data reconciliation
type SyncConfig struct {
	Schedule        string
	Concurrency     int
	RunOnStart      bool
	UpstreamTimeout time.Duration
	PassTimeout     time.Duration
}

// SSOConfig configures public key caching and token assertions
type SSOConfig struct {
	CacheBackend    string
	CacheSize       int
	KeyTTL          time.Duration
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	AssertionSecret string
	AssertionIssuer string
	AssertionTTL    time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Central:       loadCentralConfig(),
		Tenancy:       loadTenancyConfig(),
		Sync:          loadSyncConfig(),
		SSO:           loadSSOConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HIREBRIDGE_HOST", "0.0.0.0"),
		Port:            getEnv("HIREBRIDGE_PORT", "9090"),
		ReadTimeout:     getEnvDuration("HIREBRIDGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HIREBRIDGE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("HIREBRIDGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("HIREBRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadCentralConfig() CentralConfig {
	return CentralConfig{
		DatabaseURL:     getEnv("HIREBRIDGE_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("HIREBRIDGE_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("HIREBRIDGE_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("HIREBRIDGE_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		AutoMigrate:     getEnvBool("HIREBRIDGE_AUTO_MIGRATE", true),
	}
}

func loadTenancyConfig() TenancyConfig {
	return TenancyConfig{
		RegistryPath:  getEnv("HIREBRIDGE_TENANTS_FILE", "tenants.yaml"),
		WatchRegistry: getEnvBool("HIREBRIDGE_TENANTS_WATCH", true),
		PoolSize:      getEnvInt("HIREBRIDGE_TENANT_POOL_SIZE", 32),
	}
}

func loadSyncConfig() SyncConfig {
	return SyncConfig{
		Schedule:        getEnv("HIREBRIDGE_SYNC_SCHEDULE", "0 */6 * * *"),
		Concurrency:     getEnvInt("HIREBRIDGE_SYNC_CONCURRENCY", 4),
		RunOnStart:      getEnvBool("HIREBRIDGE_SYNC_ON_START", false),
		UpstreamTimeout: getEnvDuration("HIREBRIDGE_UPSTREAM_TIMEOUT", 15*time.Second),
		PassTimeout:     getEnvDuration("HIREBRIDGE_SYNC_PASS_TIMEOUT", 5*time.Minute),
	}
}

func loadSSOConfig() SSOConfig {
	return SSOConfig{
		CacheBackend:    strings.ToLower(getEnv("HIREBRIDGE_KEY_CACHE", CacheBackendMemory)),
		CacheSize:       getEnvInt("HIREBRIDGE_KEY_CACHE_SIZE", 1024),
		KeyTTL:          getEnvDuration("HIREBRIDGE_KEY_CACHE_TTL", 24*time.Hour),
		RedisURL:        getEnv("HIREBRIDGE_REDIS_URL", ""),
		RedisPassword:   getEnv("HIREBRIDGE_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("HIREBRIDGE_REDIS_DB", 0),
		AssertionSecret: getEnv("HIREBRIDGE_ASSERTION_SECRET", ""),
		AssertionIssuer: getEnv("HIREBRIDGE_ASSERTION_ISSUER", "hirebridge"),
		AssertionTTL:    getEnvDuration("HIREBRIDGE_ASSERTION_TTL", 60*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           ParseLogLevel(getEnv("HIREBRIDGE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("HIREBRIDGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("HIREBRIDGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("HIREBRIDGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("HIREBRIDGE_OTEL_SERVICE_NAME", "hirebridge"),
		OTelServiceVersion: getEnv("HIREBRIDGE_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("HIREBRIDGE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Central.DatabaseURL == "" {
		return fmt.Errorf("central database URL is required")
	}

	if c.Tenancy.RegistryPath == "" {
		return fmt.Errorf("tenant registry path is required")
	}
	if c.Tenancy.PoolSize <= 0 {
		return fmt.Errorf("tenant pool size must be positive")
	}

	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync concurrency must be positive")
	}
	if c.Sync.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}

	switch c.SSO.CacheBackend {
	case CacheBackendMemory:
		if c.SSO.CacheSize <= 0 {
			return fmt.Errorf("key cache size must be positive")
		}
	case CacheBackendRedis:
		if c.SSO.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis key cache")
		}
	default:
		return fmt.Errorf("invalid key cache backend: %s (must be memory or redis)", c.SSO.CacheBackend)
	}
	if c.SSO.KeyTTL <= 0 {
		return fmt.Errorf("key cache TTL must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ParseLogLevel parses a log level string, defaulting to info
func ParseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
