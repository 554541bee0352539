package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maestro-run/maestro/internal/backend/postgres"
	"github.com/maestro-run/maestro/internal/config"
	workflowlog "github.com/maestro-run/maestro/internal/log"
	queuepg "github.com/maestro-run/maestro/internal/queue/postgres"
	"github.com/maestro-run/maestro/pkg/maestro"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		postgresURL = flag.String("postgres-url", "", "PostgreSQL connection URL")
		workers     = flag.Int("workers", 0, "Number of shared-queue worker goroutines")
		logLevel    = flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, text)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("maestrod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	if *postgresURL != "" {
		cfg.Backend.ConnectionString = *postgresURL
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	logger := workflowlog.New(&workflowlog.Config{
		Level:  cfg.LogLevel,
		Format: workflowlog.Format(cfg.LogFormat),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	if cfg.Backend.ConnectionString == "" {
		logger.Error("missing postgres connection string; set MAESTRO_POSTGRES_URL or -postgres-url")
		os.Exit(1)
	}

	be, err := postgres.New(cfg.Backend)
	if err != nil {
		logger.Error("failed to connect to postgres", workflowlog.Error(err))
		os.Exit(1)
	}
	defer be.Close()

	q, err := queuepg.New(be.DB(), queuepg.Config{
		PollInterval: cfg.PollingInterval,
		StaleAfter:   cfg.JobExpiration,
	})
	if err != nil {
		logger.Error("failed to initialize queue", workflowlog.Error(err))
		os.Exit(1)
	}

	engine, err := maestro.New(
		maestro.WithBackend(be),
		maestro.WithQueue(q),
		maestro.WithLogger(logger),
		maestro.WithWorkers(cfg.Workers),
	)
	if err != nil {
		logger.Error("failed to create engine", workflowlog.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start engine", workflowlog.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := engine.Stop(stopCtx); err != nil {
		logger.Error("error during shutdown", workflowlog.Error(err))
		os.Exit(1)
	}
}
