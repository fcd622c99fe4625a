package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
)

// memQueue is an in-memory stand-in for the queue tables.
type memQueue struct {
	mu       sync.Mutex
	pending  []int
	failed   []int
	done     []int
	requeues int64
}

func (q *memQueue) claim(_ context.Context, batch int) ([]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(batch, len(q.pending))
	items := q.pending[:n]
	q.pending = q.pending[n:]
	return items, nil
}

func (q *memQueue) fail(_ context.Context, item int, _ error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, item)
}

func (q *memQueue) markDone(item int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = append(q.done, item)
}

func (q *memQueue) snapshot() (done, failed []int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.done...), append([]int(nil), q.failed...)
}

func testLoop(q *memQueue, process func(context.Context, int) error) *Loop[int] {
	return &Loop[int]{
		Stage: "test",
		Cfg: config.WorkerLoop{
			PollInterval:       config.Seconds(10 * time.Millisecond),
			BatchSize:          3,
			StuckTimeout:       config.Seconds(time.Minute),
			RecoveryInterval:   config.Seconds(10 * time.Millisecond),
			MetricsLogInterval: config.Seconds(time.Hour),
			MaxRetries:         3,
			RetryDelay:         config.Seconds(time.Millisecond),
		},
		Claim:   q.claim,
		Process: process,
		Fail:    q.fail,
		Requeue: func(_ context.Context, _ time.Duration) (int64, error) {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.requeues++
			return 0, nil
		},
		Metrics: observe.DefaultMetrics(),
		Stats:   observe.NewWorkerStats("test"),
		Log:     slog.New(slog.NewTextHandler(discard{}, nil)),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within 2s")
}

func TestLoopProcessesAllItems(t *testing.T) {
	t.Parallel()

	q := &memQueue{pending: []int{1, 2, 3, 4, 5}}
	l := testLoop(q, func(_ context.Context, item int) error {
		q.markDone(item)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool {
		done, _ := q.snapshot()
		return len(done) == 5
	})
	done, failed := q.snapshot()
	if len(failed) != 0 {
		t.Errorf("failed items %v", failed)
	}
	for i, item := range done {
		if item != i+1 {
			t.Errorf("done[%d] = %d, want %d (claim order preserved)", i, item, i+1)
		}
	}
}

func TestLoopFailsItemsIndividually(t *testing.T) {
	t.Parallel()

	q := &memQueue{pending: []int{1, 2, 3}}
	l := testLoop(q, func(_ context.Context, item int) error {
		if item == 2 {
			return errors.New("boom")
		}
		q.markDone(item)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool {
		done, failed := q.snapshot()
		return len(done) == 2 && len(failed) == 1
	})
	_, failed := q.snapshot()
	if failed[0] != 2 {
		t.Errorf("failed = %v, want [2]", failed)
	}
}

func TestLoopSkippedItemsDoNotFail(t *testing.T) {
	t.Parallel()

	q := &memQueue{pending: []int{1, 2}}
	var skipped int
	var mu sync.Mutex
	l := testLoop(q, func(_ context.Context, item int) error {
		if item == 1 {
			mu.Lock()
			skipped++
			mu.Unlock()
			return ErrSkipped
		}
		q.markDone(item)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool {
		done, _ := q.snapshot()
		return len(done) == 1
	})
	_, failed := q.snapshot()
	if len(failed) != 0 {
		t.Errorf("skipped item must not reach Fail, got %v", failed)
	}
	mu.Lock()
	defer mu.Unlock()
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
}

func TestLoopStopsBetweenItems(t *testing.T) {
	t.Parallel()

	q := &memQueue{pending: []int{1, 2, 3}}
	ctx, cancel := context.WithCancel(context.Background())
	l := testLoop(q, func(_ context.Context, item int) error {
		q.markDone(item)
		if item == 1 {
			cancel() // shutdown arrives mid-batch
		}
		return nil
	})

	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	done, _ := q.snapshot()
	if len(done) != 1 {
		t.Errorf("processed %v after cancel, want only the in-flight item", done)
	}
}

func TestLoopRunsSweeper(t *testing.T) {
	t.Parallel()

	q := &memQueue{}
	l := testLoop(q, func(_ context.Context, item int) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.requeues >= 2
	})
}
