// Command ingest-api receives audio chunk uploads from POS microphones and
// serves the device admin and internal chunk-file endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/posaudio/upsell-pipeline/internal/blob"
	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/ingest"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.LoadIngest(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest-api: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.SlogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("ingest-api starting",
		"listen_addr", cfg.ListenAddr,
		"audio_storage_dir", cfg.AudioStorageDir,
		"max_upload_size_bytes", cfg.MaxUploadSizeBytes,
		"internal_endpoint_enabled", cfg.InternalToken != "",
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ingest-api"})
	if err != nil {
		slog.Error("init metrics provider", "error", err)
		return 1
	}
	defer shutdownMetrics(context.Background())

	db, err := store.WaitReady(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database not ready", "error", err)
		return 1
	}
	defer db.Close()

	srv := ingest.New(*cfg, db, blob.New(cfg.AudioStorageDir), observe.DefaultMetrics(), logger)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "error", err)
		return 1
	}

	slog.Info("ingest-api stopped")
	return 0
}
