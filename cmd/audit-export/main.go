package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/input-sentinel/internal/audit"
	"github.com/raaihank/input-sentinel/internal/config"
	"github.com/raaihank/input-sentinel/internal/export"
	"github.com/raaihank/input-sentinel/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		format     = flag.String("format", "", "Output format: csv, parquet or json (default: from -output extension)")
		output     = flag.String("output", "", "Output file (default: stdout)")
		since      = flag.Duration("since", 24*time.Hour, "Export events newer than this (0 for all)")
		kind       = flag.String("kind", "", "Only export events of this kind (rejection, substitution, host_error, banned)")
		limit      = flag.Int("limit", 0, "Maximum number of events (0 for no limit)")
		showStats  = flag.Bool("stats", false, "Show audit table statistics and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout can carry the export
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling export...")
		cancel()
	}()

	store, err := audit.NewStore(&audit.Config{
		DatabaseURL:     cfg.Audit.DatabaseURL,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
	}, log.Logger)
	if err != nil {
		log.Fatal("Failed to connect to audit store", zap.Error(err))
	}
	defer store.Close()

	if *showStats {
		if err := printStats(ctx, store); err != nil {
			log.Fatal("Failed to read audit statistics", zap.Error(err))
		}
		return
	}

	exportFormat, err := resolveFormat(*format, *output)
	if err != nil {
		log.Fatal("Invalid format", zap.Error(err))
	}

	options := audit.ListOptions{
		Kind:  audit.Kind(*kind),
		Limit: *limit,
	}
	if *since > 0 {
		options.Since = time.Now().Add(-*since)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			log.Fatal("Failed to create output file", zap.Error(err))
		}
		defer file.Close()
		w = file
	}

	result, err := export.Export(ctx, store, options, exportFormat, w)
	if err != nil {
		log.Fatal("Export failed", zap.Error(err))
	}

	log.Info("Export completed",
		zap.String("format", string(result.Format)),
		zap.Int64("records", result.Records),
		zap.Duration("duration", result.Duration),
		zap.String("output", *output))
}

func resolveFormat(format, output string) (export.Format, error) {
	if format == "" {
		if output == "" {
			return export.FormatJSON, nil
		}
		return export.DetectFormat(output), nil
	}

	f, ok := export.ParseFormat(format)
	if !ok {
		return "", fmt.Errorf("unsupported format %q", format)
	}
	return f, nil
}

func printStats(ctx context.Context, store *audit.Store) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(stats)
}
