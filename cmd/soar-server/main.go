// Package main is the entry point for the SOAR server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"boundary-soar/internal/config"
	"boundary-soar/internal/logging"
	"boundary-soar/internal/server"
	"boundary-soar/internal/startup"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", "", "Path to config file (overrides SOAR_CONFIG_PATH)")
	diagnoseOnly := flag.Bool("diagnose", false, "Run startup diagnostics and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("soar-server %s\n", version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(logging.NewHandler(os.Stdout, cfg.Logging)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	diag := startup.NewDiagnostics(cfg, path, slog.Default())
	diag.RunAll(ctx)
	if *diagnoseOnly {
		if diag.HasErrors() {
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if diag.HasErrors() && cfg.Server.ProductionMode {
		slog.Error("refusing to start in production mode with failed diagnostics")
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"store", cfg.Store.Backend,
		"auth_enabled", cfg.Auth.Enabled,
		"clickhouse_enabled", cfg.Storage.ClickHouse.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"archive_enabled", cfg.Archive.S3.Enabled,
	)

	srv, err := server.Build(ctx, cfg, server.WithVersion(version))
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
