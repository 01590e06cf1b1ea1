// Package storage writes the SOAR audit trail to ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig configures the audit connection. The audit tables are
// append-only, so AsyncInsert lets the server buffer small batches instead
// of creating one part per flush.
type ClickHouseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	AsyncInsert     bool          `yaml:"async_insert"`
	Debug           bool          `yaml:"debug"`
}

// DefaultClickHouseConfig returns settings for a local single-node server.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "soar",
		Username:        "default",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
		QueryTimeout:    30 * time.Second,
		AsyncInsert:     true,
	}
}

// Validate checks the settings NewClickHouseClient relies on.
func (c ClickHouseConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("storage.clickhouse.hosts is required when enabled")
	}
	if c.Database == "" || sanitizeTableName(c.Database) != c.Database {
		return fmt.Errorf("storage.clickhouse.database %q must be a plain identifier", c.Database)
	}
	if c.MaxOpenConns <= 0 {
		return errors.New("storage.clickhouse.max_open_conns must be positive")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("storage.clickhouse.max_idle_conns exceeds max_open_conns")
	}
	return nil
}

// options translates the config into driver options.
func (c ClickHouseConfig) options() *clickhouse.Options {
	settings := clickhouse.Settings{}
	if c.QueryTimeout > 0 {
		settings["max_execution_time"] = int(c.QueryTimeout.Seconds())
	}
	if c.AsyncInsert {
		settings["async_insert"] = 1
		settings["wait_for_async_insert"] = 1
	}

	opts := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Settings:        settings,
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.QueryTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Debug:           c.Debug,
	}
	if c.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// ClickHouseClient is the audit connection shared by the migrator, the
// retention manager and the batch writer.
type ClickHouseClient struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseClient opens the connection and pings it within the dial
// timeout. The database must already exist.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", fmt.Errorf("database %s: %w", cfg.Database, err))
	}

	return &ClickHouseClient{conn: conn, config: cfg}, nil
}

func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping backs the clickhouse health check.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}
