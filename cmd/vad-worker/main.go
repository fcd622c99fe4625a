// Command vad-worker claims queued audio chunks, detects speech segments,
// and stitches them into dialogues.
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

	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
	"github.com/posaudio/upsell-pipeline/internal/vadproc"
	"github.com/posaudio/upsell-pipeline/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.LoadVAD(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vad-worker: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.SlogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("vad-worker starting",
		"aggressiveness", cfg.Aggressiveness,
		"frame_ms", cfg.FrameMS,
		"silence_gap", cfg.SilenceGap.Duration(),
		"max_dialogue", cfg.MaxDialogue.Duration(),
		"batch_size", cfg.BatchSize,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "vad-worker"})
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

	proc := vadproc.New(*cfg, db, vadproc.FFmpegDecoder{}, vad.EnergyEngine{}, logger)
	loop := proc.Loop(observe.DefaultMetrics(), logger)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker error", "error", err)
		return 1
	}

	slog.Info("vad-worker stopped")
	return 0
}
