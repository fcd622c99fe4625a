// Command analysis-worker claims transcribed dialogues and evaluates them
// for upsell attempts with an LLM.
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

	"github.com/posaudio/upsell-pipeline/internal/analysisproc"
	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.LoadAnalysis(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis-worker: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.SlogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("analysis-worker starting",
		"model", cfg.OpenAIModel,
		"prompt_version", cfg.PromptVersion,
		"prefilter_enabled", cfg.PrefilterEnabled,
		"batch_size", cfg.BatchSize,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "analysis-worker"})
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

	eval := analysisproc.NewOpenAIEvaluator(*cfg, logger)
	proc := analysisproc.New(*cfg, db, eval, logger)
	loop := proc.Loop(observe.DefaultMetrics(), logger)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker error", "error", err)
		return 1
	}

	slog.Info("analysis-worker stopped")
	return 0
}
