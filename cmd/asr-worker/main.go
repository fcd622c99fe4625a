// Command asr-worker claims stitched dialogues, fetches their chunk audio
// from the ingest API, and transcribes them against a whisper-server.
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

	"github.com/posaudio/upsell-pipeline/internal/asrproc"
	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
	"github.com/posaudio/upsell-pipeline/pkg/asr"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.LoadASR(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asr-worker: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.SlogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("asr-worker starting",
		"whisper_server_url", cfg.WhisperServerURL,
		"model_fast", cfg.ModelFast,
		"model_accurate", cfg.ModelAccurate,
		"language", cfg.Language,
		"batch_size", cfg.BatchSize,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "asr-worker"})
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

	stt, err := asr.NewClient(cfg.WhisperServerURL, asr.WithTimeout(cfg.HTTPTimeout.Duration()))
	if err != nil {
		slog.Error("create transcription client", "error", err)
		return 1
	}

	fetcher := asrproc.NewHTTPFetcher(cfg.IngestInternalBaseURL, cfg.InternalToken,
		cfg.AudioTmpDir, cfg.HTTPTimeout.Duration())
	// Leftovers from a previous run are useless once dialogues moved on.
	if err := fetcher.CleanupAll(); err != nil {
		slog.Warn("clean chunk cache", "error", err)
	}

	proc := asrproc.New(*cfg, db, fetcher, asrproc.FFmpegExtractor{}, stt, logger)
	loop := proc.Loop(observe.DefaultMetrics(), logger)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker error", "error", err)
		return 1
	}

	slog.Info("asr-worker stopped")
	return 0
}
