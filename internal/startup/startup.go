// Package startup provides preflight diagnostics for the SOAR server.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"boundary-soar/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a probe connection to a backend.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg         *config.Config
	configPath  string
	results     []DiagnosticResult
	logger      *slog.Logger
	dial        DialFunc
	dialTimeout time.Duration
}

// NewDiagnostics creates a new diagnostics runner. configPath is the file
// the configuration was loaded from, empty when only defaults were used.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:         cfg,
		configPath:  configPath,
		logger:      logger,
		dial:        (&net.Dialer{}).DialContext,
		dialTimeout: 3 * time.Second,
	}
}

// SetDialer replaces the backend probe dialer.
func (d *Diagnostics) SetDialer(dial DialFunc) {
	d.dial = dial
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.results = nil
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkPort()
	d.checkSecurityConfiguration()
	d.checkFiles()
	d.checkBackends(ctx)

	d.printSummary()
	return d.results
}

// Results returns the results of the last run.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	switch {
	case d.configPath == "":
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusSkipped,
			Message: "No config file, using defaults and environment",
		})
	case !fileExists(d.configPath):
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkPort() {
	port := d.cfg.Server.HTTPPort
	name := "port_http"
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": fmt.Sprintf("%d", port)},
	})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	toggles := []struct {
		name    string
		enabled bool
		warning string
	}{
		{"auth", d.cfg.Auth.Enabled, "Authentication is DISABLED - enable for production"},
		{"rate_limiting", d.cfg.RateLimit.Enabled, "Rate limiting is DISABLED"},
		{"security_headers", d.cfg.SecurityHeaders.Enabled, "Security headers are DISABLED"},
		{"enforcement", d.cfg.Enforcement.Enabled, "Request enforcement is DISABLED - blocks and locks are not applied"},
		{"production_mode", d.cfg.Server.ProductionMode, "Production mode is off - error details reach clients"},
	}
	for _, t := range toggles {
		if !t.enabled {
			d.addResult(DiagnosticResult{Name: t.name, Status: StatusWarning, Message: t.warning})
			continue
		}
		d.addResult(DiagnosticResult{Name: t.name, Status: StatusOK, Message: "Enabled"})
	}

	if d.cfg.Storage.ClickHouse.Enabled && !d.cfg.Storage.ClickHouse.TLSEnabled {
		d.addResult(DiagnosticResult{
			Name:    "clickhouse_tls",
			Status:  StatusWarning,
			Message: "ClickHouse connection is not encrypted",
		})
	}
}

func (d *Diagnostics) checkFiles() {
	if dir := d.cfg.Correlation.RulesDir; dir != "" {
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			d.addResult(DiagnosticResult{
				Name:    "rules_dir",
				Status:  StatusWarning,
				Message: "Rules directory missing, only builtin rules will load",
				Details: map[string]string{"path": dir},
			})
		case !info.IsDir():
			d.addResult(DiagnosticResult{
				Name:    "rules_dir",
				Status:  StatusError,
				Message: "Path exists but is not a directory",
				Details: map[string]string{"path": dir},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    "rules_dir",
				Status:  StatusOK,
				Message: "Rules directory exists",
				Details: map[string]string{"path": dir},
			})
		}
	}

	if db := d.cfg.GeoIP.DatabasePath; db == "" {
		d.addResult(DiagnosticResult{
			Name:    "geoip",
			Status:  StatusSkipped,
			Message: "No GeoIP database, country blocking is inert",
		})
	} else if !fileExists(db) {
		d.addResult(DiagnosticResult{
			Name:    "geoip",
			Status:  StatusError,
			Message: "GeoIP database not found",
			Details: map[string]string{"path": db},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "geoip",
			Status:  StatusOK,
			Message: "GeoIP database found",
			Details: map[string]string{"path": db},
		})
	}
}

func (d *Diagnostics) checkBackends(ctx context.Context) {
	type backend struct {
		name    string
		enabled bool
		addr    string
	}
	backends := []backend{
		{"redis", d.cfg.Store.Backend == config.StoreRedis, d.cfg.Store.Redis.Addr},
		{"clickhouse", d.cfg.Storage.ClickHouse.Enabled, first(d.cfg.Storage.ClickHouse.Hosts)},
		{"kafka", d.cfg.Kafka.Enabled, first(d.cfg.Kafka.Brokers)},
	}

	for _, b := range backends {
		name := b.name + "_connectivity"
		if !b.enabled {
			d.addResult(DiagnosticResult{Name: name, Status: StatusSkipped, Message: "Disabled"})
			continue
		}
		if b.addr == "" {
			d.addResult(DiagnosticResult{Name: name, Status: StatusError, Message: "No address configured"})
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		conn, err := d.dial(dialCtx, "tcp", b.addr)
		cancel()
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot connect to %s: %s", b.name, err),
				Details: map[string]string{"addr": b.addr},
			})
			continue
		}
		conn.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: "Reachable",
			Details: map[string]string{"addr": b.addr},
		})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
