package observe

import (
	"log/slog"
	"sync"
	"time"
)

// WorkerStats accumulates per-worker counters for the periodic log snapshot.
// The OTel instruments cover scraping; this covers operators reading logs.
// Safe for concurrent use.
type WorkerStats struct {
	stage string

	mu        sync.Mutex
	started   time.Time
	processed int64
	errored   int64
	skipped   int64
	requeued  int64
	busy      time.Duration
}

// NewWorkerStats creates a stats accumulator for the named stage.
func NewWorkerStats(stage string) *WorkerStats {
	return &WorkerStats{stage: stage, started: time.Now()}
}

// ItemDone records a successfully processed item and its processing time.
func (s *WorkerStats) ItemDone(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.busy += d
}

// ItemErrored records a failed item and its processing time.
func (s *WorkerStats) ItemErrored(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored++
	s.busy += d
}

// ItemSkipped records an item short-circuited without full processing.
func (s *WorkerStats) ItemSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped++
}

// Requeued records rows returned to the queue by the sweeper.
func (s *WorkerStats) Requeued(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued += n
}

// LogSnapshot writes the aggregate counters to the logger at info level.
func (s *WorkerStats) LogSnapshot(log *slog.Logger) {
	s.mu.Lock()
	processed, errored, skipped, requeued := s.processed, s.errored, s.skipped, s.requeued
	busy := s.busy
	uptime := time.Since(s.started)
	s.mu.Unlock()

	var avg time.Duration
	if n := processed + errored; n > 0 {
		avg = busy / time.Duration(n)
	}
	log.Info("worker metrics",
		"stage", s.stage,
		"uptime", uptime.Round(time.Second),
		"processed", processed,
		"errored", errored,
		"skipped", skipped,
		"requeued", requeued,
		"avg_item_time", avg.Round(time.Millisecond),
	)
}
