package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds the TTL of each audit table. Zero keeps the TTL
// set by the migrations.
type RetentionConfig struct {
	IncidentEventsTTL time.Duration `yaml:"incident_events_ttl"`
	CorrelationsTTL   time.Duration `yaml:"correlations_ttl"`
	ExecutionsTTL     time.Duration `yaml:"executions_ttl"`
}

// RetentionManager applies retention policies to the audit tables.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{client: client, config: config}
}

// ttlStatements returns the ALTER statements for the configured TTLs.
func (r *RetentionManager) ttlStatements() []string {
	policies := []struct {
		table string
		ttl   time.Duration
	}{
		{TableIncidentEvents, r.config.IncidentEventsTTL},
		{TableCorrelations, r.config.CorrelationsTTL},
		{TableResponseExecutions, r.config.ExecutionsTTL},
	}

	var out []string
	for _, p := range policies {
		if p.ttl <= 0 {
			continue
		}
		days := max(int(p.ttl.Hours()/24), 1)
		out = append(out, fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(occurred_at) + INTERVAL %d DAY DELETE",
			sanitizeTableName(p.table), days,
		))
	}
	return out
}

// ApplyTTLs updates table TTLs. It runs after migrations; failures are
// logged and skipped.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, stmt := range r.ttlStatements() {
		if err := r.client.Exec(ctx, stmt); err != nil {
			slog.Warn("failed to apply TTL policy", "statement", stmt, "error", err)
			continue
		}
		slog.Info("applied retention policy", "statement", stmt)
	}
	return nil
}

// sanitizeTableName keeps only identifier characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
