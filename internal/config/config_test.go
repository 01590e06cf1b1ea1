package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, StoreMemory)
	}
	if cfg.Kafka.Enabled || cfg.Storage.ClickHouse.Enabled || cfg.Archive.S3.Enabled {
		t.Error("external integrations should be disabled by default")
	}
	if !cfg.Correlation.BuiltinRules || !cfg.Response.BuiltinPolicies {
		t.Error("builtin rules and policies should be enabled by default")
	}
	if len(cfg.Incidents.Thresholds) == 0 {
		t.Error("expected builtin alert thresholds")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }, "http_port"},
		{"port too large", func(c *Config) { c.Server.HTTPPort = 70000 }, "http_port"},
		{"batch size", func(c *Config) { c.Server.MaxBatchSize = 0 }, "max_batch_size"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = StoreRedis
			c.Store.Redis.Addr = ""
		}, "store.redis.addr"},
		{"queue size", func(c *Config) { c.Pipeline.QueueSize = 0 }, "queue_size"},
		{"workers", func(c *Config) { c.Pipeline.Consumer.Workers = 0 }, "workers"},
		{"auth without credentials", func(c *Config) { c.Auth.Enabled = true }, "auth enabled"},
		{"clickhouse without hosts", func(c *Config) {
			c.Storage.ClickHouse.Enabled = true
			c.Storage.ClickHouse.Hosts = nil
		}, "clickhouse.hosts"},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, "broker"},
		{"s3 without bucket", func(c *Config) {
			c.Archive.S3.Enabled = true
			c.Archive.S3.Bucket = ""
		}, "bucket"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics path"},
		{"redis backend", func(c *Config) { c.Store.Backend = StoreRedis }, ""},
		{"kafka enabled", func(c *Config) { c.Kafka.Enabled = true }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ", []string{"a", "b"}},
		{"a,,b", []string{"a", "b"}},
		{"", nil},
	}

	for _, tt := range tests {
		got := splitAndTrim(tt.input)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("splitAndTrim(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SOAR_HTTP_PORT", "9000")
	t.Setenv("SOAR_LOG_LEVEL", "debug")
	t.Setenv("SOAR_API_KEY", "ingest-key-123")
	t.Setenv("SOAR_RATELIMIT_ENABLED", "false")
	t.Setenv("SOAR_STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("CLICKHOUSE_ENABLED", "true")
	t.Setenv("CLICKHOUSE_HOST", "ch1:9000, ch2:9000")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("S3_ENDPOINT", "http://minio:9000")
	t.Setenv("SOAR_PRODUCTION", "not-a-bool")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0] != "ingest-key-123" {
		t.Errorf("Auth = %+v, want enabled with the env api key", cfg.Auth)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = true, want false")
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.Redis.Addr != "redis:6380" || cfg.Store.Redis.DB != 2 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if !cfg.Storage.ClickHouse.Enabled || len(cfg.Storage.ClickHouse.Hosts) != 2 || cfg.Storage.ClickHouse.Hosts[1] != "ch2:9000" {
		t.Errorf("ClickHouse = %+v", cfg.Storage.ClickHouse)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Kafka brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Archive.S3.Endpoint != "http://minio:9000" || !cfg.Archive.S3.UsePathStyle {
		t.Errorf("S3 = %+v, want path style custom endpoint", cfg.Archive.S3)
	}
	if cfg.Server.ProductionMode {
		t.Error("unparsable bool should leave ProductionMode unchanged")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  http_port: 8181
  production_mode: true
store:
  backend: redis
  redis:
    addr: cache:6379
correlation:
  rules_dir: /etc/soar/rules
  builtin_rules: false
  engine:
    correlation_retention: 48h
response:
  orchestrator:
    action_timeout: 10s
incidents:
  block_duration: 2h
pipeline:
  direct_response: false
kafka:
  enabled: true
  brokers: [broker:9092]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.HTTPPort != 8181 || !cfg.Server.ProductionMode {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want default 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Redis.Addr != "cache:6379" || cfg.Store.Redis.KeyPrefix != "soar" {
		t.Errorf("Store.Redis = %+v, want file addr with default prefix", cfg.Store.Redis)
	}
	if cfg.Correlation.BuiltinRules || cfg.Correlation.RulesDir != "/etc/soar/rules" {
		t.Errorf("Correlation = %+v", cfg.Correlation)
	}
	if cfg.Correlation.Engine.CorrelationRetention != 48*time.Hour {
		t.Errorf("CorrelationRetention = %v, want 48h", cfg.Correlation.Engine.CorrelationRetention)
	}
	if cfg.Response.Orchestrator.ActionTimeout != 10*time.Second {
		t.Errorf("ActionTimeout = %v, want 10s", cfg.Response.Orchestrator.ActionTimeout)
	}
	if cfg.Incidents.BlockDuration != 2*time.Hour {
		t.Errorf("Incidents.BlockDuration = %v, want 2h", cfg.Incidents.BlockDuration)
	}
	if cfg.Pipeline.DirectResponse {
		t.Error("Pipeline.DirectResponse = true, want false")
	}
	if cfg.Kafka.SignalsTopic != "soar-signals" {
		t.Errorf("Kafka.SignalsTopic = %q, want default", cfg.Kafka.SignalsTopic)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default", cfg.Server.HTTPPort)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile() error = nil, want parse error")
	}
}

func TestLoad_EnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soar.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOAR_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070", cfg.Server.HTTPPort)
	}
}

func TestLoadFile_SampleConfig(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if len(cfg.Response.Orchestrator.Policies) != 1 {
		t.Errorf("policies = %d, want 1", len(cfg.Response.Orchestrator.Policies))
	}
	if len(cfg.Incidents.Stakeholders) != 2 {
		t.Errorf("stakeholders = %d, want 2", len(cfg.Incidents.Stakeholders))
	}
	if cfg.Correlation.RulesDir != "configs/rules" {
		t.Errorf("RulesDir = %q, want configs/rules", cfg.Correlation.RulesDir)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("SOAR_CONFIG_PATH", "")
	if got := Path(); got != "configs/config.yaml" {
		t.Errorf("Path() = %q, want configs/config.yaml", got)
	}
	t.Setenv("SOAR_CONFIG_PATH", "/etc/soar.yaml")
	if got := Path(); got != "/etc/soar.yaml" {
		t.Errorf("Path() = %q, want /etc/soar.yaml", got)
	}
}
