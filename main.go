package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/withobsrvr/showlake-ingestion/metrics"
	"github.com/withobsrvr/showlake-ingestion/rawstore"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to config file")
	phaseName := flag.String("phase", "", "Run a single phase (ingest, normalize, enrich) instead of the full pipeline")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(config, logger, *phaseName); err != nil {
		logger.Error("Pipeline run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(config *Config, logger *zap.Logger, phaseName string) error {
	logger.Info("Show catalog pipeline starting",
		zap.String("service", config.Service.Name),
		zap.String("environment", config.Service.Environment))

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := config.Artifacts.Ensure(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(config.Catalog.DatabasePath), 0755); err != nil {
		return fmt.Errorf("failed to create database dir: %w", err)
	}

	store, err := rawstore.Open(config.Catalog.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to migrate catalog schema: %w", err)
	}

	promMetrics := metrics.New(config.Metrics)
	if promMetrics.IsEnabled() {
		go func() {
			logger.Info("Starting metrics server", zap.String("address", config.Metrics.Address))
			if err := promMetrics.StartServer(config.Metrics.Address); err != nil {
				logger.Warn("Metrics server error", zap.Error(err))
			}
		}()
	}

	observer := MultiObserver{
		NewLogObserver(logger),
		NewMetricsObserver(promMetrics),
	}
	pipeline := NewPipeline(config, store, observer)

	if phaseName != "" {
		phase, err := ParsePhase(phaseName)
		if err != nil {
			return err
		}
		return pipeline.RunPhase(ctx, phase)
	}

	manifest, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("Pipeline run complete",
		zap.String("stamp", manifest.Stamp),
		zap.String("status", manifest.Status),
		zap.Int("artifacts", len(manifest.Files)))
	return nil
}

// newLogger builds the zap logger described by the logging config.
func newLogger(config *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Logging.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if config.Logging.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
