package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/raaihank/input-sentinel/internal/audit"
	"github.com/raaihank/input-sentinel/internal/cache"
	"github.com/raaihank/input-sentinel/internal/config"
	"github.com/raaihank/input-sentinel/internal/logger"
	"github.com/raaihank/input-sentinel/internal/metrics"
	"github.com/raaihank/input-sentinel/internal/proxy"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at this address (e.g. http://localhost:8080) and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("input-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting input-sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
		zap.String("config_file", loader.ConfigFile()),
	)

	if !cfg.Admin.Enabled() {
		log.Warn("No admin credentials configured, operator endpoints under /sentinel/ are closed")
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace, nil)
	opts := []proxy.Option{proxy.WithMetrics(collector)}

	if cfg.Offenders.Enabled {
		tracker, err := cache.NewOffenderTracker(&cache.Config{
			RedisURL:       cfg.Offenders.RedisURL,
			MaxConnections: cfg.Offenders.MaxConnections,
			MinIdleConns:   cfg.Offenders.MinIdleConns,
			KeyPrefix:      cfg.Offenders.KeyPrefix,
			Window:         cfg.Offenders.Window,
			BanThreshold:   cfg.Offenders.BanThreshold,
		}, log.WithComponent("offenders").Logger)
		if err != nil {
			log.Fatal("Failed to initialize offender tracker", zap.Error(err))
		}
		defer tracker.Close()
		opts = append(opts, proxy.WithOffenders(tracker))
	}

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		store, err := audit.NewStore(&audit.Config{
			DatabaseURL:     cfg.Audit.DatabaseURL,
			MaxOpenConns:    cfg.Audit.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
		}, log.WithComponent("audit").Logger)
		if err != nil {
			log.Fatal("Failed to initialize audit store", zap.Error(err))
		}
		defer store.Close()

		recorder = audit.NewRecorder(store, audit.RecorderConfig{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			OnDrop:        collector.RecordAuditDropped,
		}, log.WithComponent("audit").Logger)
		opts = append(opts, proxy.WithAuditSink(recorder))
	}

	server, err := proxy.New(cfg, log, opts...)
	if err != nil {
		log.Fatal("Failed to create proxy server", zap.Error(err))
	}

	if loader.ConfigFile() != "" {
		loader.Watch(func(newCfg *config.Config) {
			log.Info("Configuration file changed, reloading filter")
			server.ReloadFilter(newCfg.Filter)
		}, func(err error) {
			collector.RecordReload("error")
			log.Error("Ignoring configuration change", zap.Error(err))
		})
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Error("Failed to shutdown server gracefully", zap.Error(err))
	}

	if recorder != nil {
		if err := recorder.Close(ctx); err != nil {
			log.Error("Failed to flush audit events", zap.Error(err))
		}
	}

	log.Info("Server shutdown complete")
}

// performHealthCheck checks a running server's /sentinel/health endpoint
func performHealthCheck(baseURL string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(strings.TrimSuffix(baseURL, "/") + "/sentinel/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
