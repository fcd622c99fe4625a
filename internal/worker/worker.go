// Package worker implements the pull loop shared by all three worker
// cohorts: claim a batch from a queue table, process each item outside the
// claiming transaction, and persist per-item outcomes. A recovery sweeper
// and a periodic metrics logger run alongside the main loop.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
)

// ErrSkipped is returned by a Process func when the item was deliberately
// short-circuited (and its terminal state already persisted). The loop
// counts it separately and does not call Fail.
var ErrSkipped = errors.New("worker: item skipped")

// errorPause is how long the main loop sleeps after a claim or loop-level
// failure, so a broken database does not turn the loop into a busy spin.
const errorPause = 5 * time.Second

// Loop drives one worker cohort over items of type T.
//
// Claim must move the returned items to their PROCESSING state in a single
// transaction. Process runs outside any transaction; a nil return means the
// item reached its DONE state (persisted by Process), [ErrSkipped] means a
// deliberate skip, and any other error makes the loop call Fail to persist
// the ERROR state. Requeue returns stuck PROCESSING rows to the queue.
type Loop[T any] struct {
	Stage   string
	Cfg     config.WorkerLoop
	Claim   func(ctx context.Context, batch int) ([]T, error)
	Process func(ctx context.Context, item T) error
	Fail    func(ctx context.Context, item T, cause error)
	Requeue func(ctx context.Context, timeout time.Duration) (int64, error)
	Metrics *observe.Metrics
	Stats   *observe.WorkerStats
	Log     *slog.Logger
}

// Run executes the main loop, the recovery sweeper, and the metrics logger
// until ctx is cancelled. It always returns nil after a clean shutdown.
func (l *Loop[T]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.runMain(ctx) })
	g.Go(func() error { return l.runSweeper(ctx) })
	g.Go(func() error { return l.runStats(ctx) })
	return g.Wait()
}

func (l *Loop[T]) runMain(ctx context.Context) error {
	l.Log.Info("worker loop started",
		"stage", l.Stage,
		"batch_size", l.Cfg.BatchSize,
		"poll_interval", l.Cfg.PollInterval.Duration(),
	)
	for {
		if ctx.Err() != nil {
			l.Log.Info("worker loop stopped", "stage", l.Stage)
			return nil
		}

		items, err := l.Claim(ctx, l.Cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Log.Error("claim batch failed", "stage", l.Stage, "error", err)
			sleep(ctx, errorPause)
			continue
		}

		if len(items) == 0 {
			sleep(ctx, l.Cfg.PollInterval.Duration())
			continue
		}

		for _, item := range items {
			// Shut down between items, never mid-item. Anything left
			// PROCESSING is returned by the sweeper after the timeout.
			if ctx.Err() != nil {
				l.Log.Info("worker loop stopped mid-batch", "stage", l.Stage)
				return nil
			}
			l.runItem(ctx, item)
		}
	}
}

func (l *Loop[T]) runItem(ctx context.Context, item T) {
	start := time.Now()
	err := l.Process(ctx, item)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		l.Stats.ItemDone(elapsed)
		l.Metrics.RecordItem(ctx, l.Stage, "done", elapsed.Seconds())
	case errors.Is(err, ErrSkipped):
		l.Stats.ItemSkipped()
		l.Metrics.RecordItem(ctx, l.Stage, "skipped", elapsed.Seconds())
	default:
		l.Log.Error("item processing failed", "stage", l.Stage, "error", err)
		l.Fail(ctx, item, err)
		l.Stats.ItemErrored(elapsed)
		l.Metrics.RecordItem(ctx, l.Stage, "error", elapsed.Seconds())
	}
}

func (l *Loop[T]) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(l.Cfg.RecoveryInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := l.Requeue(ctx, l.Cfg.StuckTimeout.Duration())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Log.Error("stuck recovery failed", "stage", l.Stage, "error", err)
			continue
		}
		if n > 0 {
			l.Log.Warn("requeued stuck items", "stage", l.Stage, "count", n)
			l.Stats.Requeued(n)
			l.Metrics.RecordRequeued(ctx, l.Stage, n)
		}
	}
}

func (l *Loop[T]) runStats(ctx context.Context) error {
	ticker := time.NewTicker(l.Cfg.MetricsLogInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Stats.LogSnapshot(l.Log)
		}
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
