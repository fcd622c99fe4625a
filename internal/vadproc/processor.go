// Package vadproc is the VAD worker: it claims QUEUED chunks, decodes them,
// detects speech segments, and applies the dialogue stitching plan.
package vadproc

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/posaudio/upsell-pipeline/internal/blob"
	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/dialogue"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
	"github.com/posaudio/upsell-pipeline/internal/worker"
	"github.com/posaudio/upsell-pipeline/pkg/vad"
)

// Store is the database surface the VAD worker uses.
type Store interface {
	ClaimChunks(ctx context.Context, batch int) ([]store.Chunk, error)
	ApplyVADResult(ctx context.Context, chunk *store.Chunk, segments []dialogue.Segment,
		plan func(open *dialogue.Open) dialogue.Plan) error
	FailChunk(ctx context.Context, chunkID uuid.UUID, cause error) error
	RequeueStuckChunks(ctx context.Context, timeout time.Duration) (int64, error)
}

// Processor handles one claimed chunk at a time.
type Processor struct {
	cfg    config.VAD
	db     Store
	blobs  *blob.Storage
	dec    Decoder
	engine vad.Engine
	log    *slog.Logger
}

// New assembles a Processor.
func New(cfg config.VAD, db Store, dec Decoder, engine vad.Engine, log *slog.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		db:     db,
		blobs:  blob.New(cfg.AudioStorageDir),
		dec:    dec,
		engine: engine,
		log:    log,
	}
}

// Loop wires the processor into the shared worker loop.
func (p *Processor) Loop(metrics *observe.Metrics, log *slog.Logger) *worker.Loop[store.Chunk] {
	return &worker.Loop[store.Chunk]{
		Stage:   "vad",
		Cfg:     p.cfg.WorkerLoop,
		Claim:   p.db.ClaimChunks,
		Process: p.ProcessChunk,
		Fail: func(ctx context.Context, chunk store.Chunk, cause error) {
			if err := p.db.FailChunk(ctx, chunk.ChunkID, cause); err != nil {
				log.Error("mark chunk ERROR failed", "chunk_id", chunk.ChunkID, "error", err)
			}
		},
		Requeue: p.db.RequeueStuckChunks,
		Metrics: metrics,
		Stats:   observe.NewWorkerStats("vad"),
		Log:     log,
	}
}

// ProcessChunk decodes the chunk, runs detection and smoothing, and commits
// the stitching plan. Segment persistence, state locking, and the DONE flip
// all happen in one transaction inside ApplyVADResult.
func (p *Processor) ProcessChunk(ctx context.Context, chunk store.Chunk) error {
	pcm, err := p.decodeWithRetry(ctx, chunk)
	if err != nil {
		return err
	}

	vcfg := vad.Config{
		FrameMS:        p.cfg.FrameMS,
		Aggressiveness: p.cfg.Aggressiveness,
	}
	det, err := p.engine.NewDetector(vcfg)
	if err != nil {
		return err
	}
	spans, err := vad.DetectSegments(det, pcm, vcfg, vad.SmoothingParams{
		MinSpeechMS:  p.cfg.MinSpeechMS,
		MinSilenceMS: p.cfg.MinSilenceMS,
	})
	if err != nil {
		return err
	}

	segments := dialogue.Project(chunk.ChunkID, chunk.StartTS, spans)
	window := dialogue.Window{Start: chunk.StartTS, End: chunk.EndTS}
	params := dialogue.Params{
		SilenceGap:  p.cfg.SilenceGap.Duration(),
		MaxDialogue: p.cfg.MaxDialogue.Duration(),
	}

	p.log.Info("vad completed",
		"chunk_id", chunk.ChunkID,
		"speech_segments", len(segments),
	)

	return p.db.ApplyVADResult(ctx, &chunk, segments, func(open *dialogue.Open) dialogue.Plan {
		return dialogue.PlanChunk(window, segments, open, params)
	})
}

// decodeWithRetry decodes the chunk's blob, retrying a missing file with
// exponential backoff. Uploads land via rename, but network mounts can lag
// behind the database row.
func (p *Processor) decodeWithRetry(ctx context.Context, chunk store.Chunk) ([]byte, error) {
	path := p.blobs.Abs(chunk.FilePath)
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		pcm, err := p.dec.DecodePCM(ctx, path)
		if err == nil {
			return pcm, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		lastErr = err
		if attempt < p.cfg.MaxRetries-1 {
			delay := p.cfg.RetryDelay.Duration() * (1 << attempt)
			p.log.Warn("audio file not found, retrying",
				"chunk_id", chunk.ChunkID,
				"attempt", attempt+1,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, lastErr
}
