// Package config handles configuration loading for boundary-soar.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/kafka"
	"boundary-soar/internal/logging"
	"boundary-soar/internal/middleware"
	"boundary-soar/internal/pipeline"
	"boundary-soar/internal/response"
	"boundary-soar/internal/storage"
	"boundary-soar/internal/storage/s3"
	"boundary-soar/internal/store"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds the complete application configuration.
type Config struct {
	Server          ServerConfig                     `yaml:"server"`
	Auth            middleware.AuthConfig            `yaml:"auth"`
	RateLimit       middleware.RateLimitConfig       `yaml:"rate_limit"`
	Enforcement     middleware.EnforcementConfig     `yaml:"enforcement"`
	SecurityHeaders middleware.SecurityHeadersConfig `yaml:"security_headers"`
	Logging         logging.Config                   `yaml:"logging"`
	Store           StoreConfig                      `yaml:"store"`
	Storage         StorageConfig                    `yaml:"storage"`
	Kafka           kafka.Config                     `yaml:"kafka"`
	Archive         ArchiveConfig                    `yaml:"archive"`
	GeoIP           GeoIPConfig                      `yaml:"geoip"`
	Correlation     CorrelationConfig                `yaml:"correlation"`
	Response        ResponseConfig                   `yaml:"response"`
	Incidents       incident.Config                  `yaml:"incidents"`
	Notify          NotifyConfig                     `yaml:"notify"`
	Metrics         MetricsConfig                    `yaml:"metrics"`
	Pipeline        pipeline.Config                  `yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	// ProductionMode sanitizes error messages returned to clients.
	ProductionMode bool `yaml:"production_mode"`
}

// StoreConfig selects the key/value backend for live state.
type StoreConfig struct {
	Backend string            `yaml:"backend"`
	Redis   store.RedisConfig `yaml:"redis"`
}

// StorageConfig holds the ClickHouse audit sink settings.
type StorageConfig struct {
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
	Migrate     bool                      `yaml:"migrate"`
}

// ArchiveConfig holds the S3 archive settings.
type ArchiveConfig struct {
	S3       s3.Config         `yaml:"s3"`
	Archiver s3.ArchiverConfig `yaml:"archiver"`
}

// GeoIPConfig points at a MaxMind country database. Country blocking is
// inert when no database is configured.
type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// CorrelationConfig holds engine and rule loading settings.
type CorrelationConfig struct {
	Engine       correlation.EngineConfig `yaml:"engine"`
	RulesDir     string                   `yaml:"rules_dir"`
	BuiltinRules bool                     `yaml:"builtin_rules"`
}

// ResponseConfig holds orchestrator settings.
type ResponseConfig struct {
	Orchestrator    response.Config `yaml:"orchestrator"`
	BuiltinPolicies bool            `yaml:"builtin_policies"`
}

// NotifyConfig holds stakeholder notification settings.
type NotifyConfig struct {
	Enabled        bool              `yaml:"enabled"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBatchSize:    1000,
		},
		Auth:            middleware.DefaultAuthConfig(),
		RateLimit:       middleware.DefaultRateLimitConfig(),
		Enforcement:     middleware.DefaultEnforcementConfig(),
		SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			Redis:   store.DefaultRedisConfig(),
		},
		Storage: StorageConfig{
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention: storage.RetentionConfig{
				IncidentEventsTTL: 365 * 24 * time.Hour,
				CorrelationsTTL:   90 * 24 * time.Hour,
				ExecutionsTTL:     180 * 24 * time.Hour,
			},
			Migrate: true,
		},
		Kafka: kafka.DefaultConfig(),
		Archive: ArchiveConfig{
			S3:       s3.DefaultConfig(),
			Archiver: s3.DefaultArchiverConfig(),
		},
		Correlation: CorrelationConfig{
			Engine:       correlation.DefaultEngineConfig(),
			BuiltinRules: true,
		},
		Response: ResponseConfig{
			Orchestrator:    response.DefaultConfig(),
			BuiltinPolicies: true,
		},
		Incidents: incident.DefaultConfig(),
		Notify: NotifyConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Pipeline: pipeline.DefaultConfig(),
	}
}

// Load loads configuration from the file named by SOAR_CONFIG_PATH
// (default configs/config.yaml), falling back to defaults when the file is
// missing. Environment overrides are applied in both cases.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// Path returns SOAR_CONFIG_PATH, or configs/config.yaml when unset.
func Path() string {
	if p := os.Getenv("SOAR_CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	envInt("SOAR_HTTP_PORT", &c.Server.HTTPPort)
	envBool("SOAR_PRODUCTION", &c.Server.ProductionMode)

	if level := os.Getenv("SOAR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SOAR_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if apiKey := os.Getenv("SOAR_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}
	if hash := os.Getenv("SOAR_ADMIN_TOKEN_HASH"); hash != "" {
		c.Auth.AdminTokenHash = hash
		c.Auth.Enabled = true
	}

	envBool("SOAR_RATELIMIT_ENABLED", &c.RateLimit.Enabled)
	envInt("SOAR_RATELIMIT_RPS", &c.RateLimit.RequestsPerIP)
	envInt("SOAR_RATELIMIT_BURST", &c.RateLimit.BurstSize)

	if backend := os.Getenv("SOAR_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Store.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Store.Redis.Password = pass
	}
	envInt("REDIS_DB", &c.Store.Redis.DB)

	envBool("CLICKHOUSE_ENABLED", &c.Storage.ClickHouse.Enabled)
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host)
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	envBool("KAFKA_ENABLED", &c.Kafka.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
	}
	if topic := os.Getenv("KAFKA_SIGNALS_TOPIC"); topic != "" {
		c.Kafka.SignalsTopic = topic
	}
	if topic := os.Getenv("KAFKA_EVENTS_TOPIC"); topic != "" {
		c.Kafka.EventsTopic = topic
	}
	if user := os.Getenv("KAFKA_SASL_USERNAME"); user != "" {
		c.Kafka.SASLUsername = user
	}
	if pass := os.Getenv("KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	envBool("S3_ENABLED", &c.Archive.S3.Enabled)
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
	}
	if region := os.Getenv("S3_REGION"); region != "" {
		c.Archive.S3.Region = region
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		c.Archive.S3.Endpoint = endpoint
		c.Archive.S3.UsePathStyle = true
	}

	if path := os.Getenv("SOAR_GEOIP_DB"); path != "" {
		c.GeoIP.DatabasePath = path
	}
	if dir := os.Getenv("SOAR_RULES_DIR"); dir != "" {
		c.Correlation.RulesDir = dir
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// splitAndTrim splits a comma separated list and drops empty entries.
func splitAndTrim(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.MaxBatchSize <= 0 {
		return errors.New("max_batch_size must be positive")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Pipeline.QueueSize <= 0 {
		return errors.New("pipeline.queue_size must be positive")
	}
	if c.Pipeline.Consumer.Workers <= 0 {
		return errors.New("pipeline.consumer.workers must be positive")
	}

	if c.Auth.Enabled && c.Auth.AdminTokenHash == "" && len(c.Auth.APIKeys) == 0 {
		return errors.New("auth enabled without api keys or admin token hash")
	}

	if c.Storage.ClickHouse.Enabled {
		if err := c.Storage.ClickHouse.Validate(); err != nil {
			return err
		}
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.Archive.S3.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics path %q", c.Metrics.Path)
	}
	return nil
}
