// Package asrproc is the ASR worker: it claims stitched dialogues, fetches
// their chunk audio from the ingest API, assembles one WAV per dialogue, and
// transcribes it with a fast pass escalated to an accurate pass when quality
// heuristics fire.
package asrproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
	"github.com/posaudio/upsell-pipeline/internal/worker"
	"github.com/posaudio/upsell-pipeline/pkg/asr"
)

// Store is the database surface the ASR worker uses.
type Store interface {
	ClaimASRDialogues(ctx context.Context, batch int) ([]store.Dialogue, error)
	GetDialogueSegments(ctx context.Context, dialogueID uuid.UUID) ([]store.DialogueSegment, error)
	UpsertTranscript(ctx context.Context, t *store.Transcript) (uuid.UUID, error)
	FinishASR(ctx context.Context, dialogueID uuid.UUID, pass, model string) error
	FailASR(ctx context.Context, dialogueID uuid.UUID, cause error) error
	RequeueStuckASR(ctx context.Context, timeout time.Duration) (int64, error)
}

// Processor transcribes one claimed dialogue at a time.
type Processor struct {
	cfg   config.ASR
	db    Store
	fetch ChunkFetcher
	ext   Extractor
	stt   asr.Transcriber
	log   *slog.Logger
}

// New assembles a Processor.
func New(cfg config.ASR, db Store, fetch ChunkFetcher, ext Extractor, stt asr.Transcriber, log *slog.Logger) *Processor {
	return &Processor{cfg: cfg, db: db, fetch: fetch, ext: ext, stt: stt, log: log}
}

// Loop wires the processor into the shared worker loop.
func (p *Processor) Loop(metrics *observe.Metrics, log *slog.Logger) *worker.Loop[store.Dialogue] {
	return &worker.Loop[store.Dialogue]{
		Stage:   "asr",
		Cfg:     p.cfg.WorkerLoop,
		Claim:   p.db.ClaimASRDialogues,
		Process: p.ProcessDialogue,
		Fail: func(ctx context.Context, d store.Dialogue, cause error) {
			if err := p.db.FailASR(ctx, d.DialogueID, cause); err != nil {
				log.Error("mark dialogue ERROR failed", "dialogue_id", d.DialogueID, "error", err)
			}
		},
		Requeue: p.db.RequeueStuckASR,
		Metrics: metrics,
		Stats:   observe.NewWorkerStats("asr"),
		Log:     log,
	}
}

// ProcessDialogue runs the full fetch / assemble / transcribe sequence and
// persists the transcript. The chunk cache entries are pruned afterwards
// whether the dialogue succeeded or not.
func (p *Processor) ProcessDialogue(ctx context.Context, d store.Dialogue) error {
	segments, err := p.db.GetDialogueSegments(ctx, d.DialogueID)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("asrproc: dialogue %s has no segments", d.DialogueID)
	}

	chunkIDs := distinctChunkIDs(segments)
	defer p.fetch.Cleanup(chunkIDs)

	fetched, err := p.fetch.Prefetch(ctx, chunkIDs)
	if err != nil {
		return err
	}
	chunkPaths := make(map[string]string, len(fetched))
	for id, path := range fetched {
		chunkPaths[id.String()] = path
	}

	wav, audioDuration, err := AssembleDialogueAudio(ctx, p.ext, segments, chunkPaths)
	if err != nil {
		return err
	}

	result, err := p.transcribe(ctx, wav, p.cfg.ModelFast)
	if err != nil {
		return err
	}
	pass, model := store.PassFast, p.cfg.ModelFast

	needsAccurate, reasons := NeedsAccuratePass(result, audioDuration, Thresholds{
		AvgLogprob:             p.cfg.AvgLogprobThreshold,
		MinTextLengthRatio:     p.cfg.MinTextLengthRatio,
		MinDurationForAccurate: p.cfg.MinDurationForAccurate.Duration(),
	})
	if needsAccurate {
		p.log.Info("accurate pass triggered",
			"dialogue_id", d.DialogueID,
			"reasons", reasons,
		)
		accurate, err := p.transcribe(ctx, wav, p.cfg.ModelAccurate)
		if err != nil {
			return err
		}
		result, pass, model = accurate, store.PassAccurate, p.cfg.ModelAccurate
	}

	language := result.Language
	if language == "" {
		language = p.cfg.Language
	}
	segmentsJSON, err := json.Marshal(result.Segments)
	if err != nil {
		return fmt.Errorf("asrproc: marshal segments: %w", err)
	}

	if _, err := p.db.UpsertTranscript(ctx, &store.Transcript{
		DialogueID:   d.DialogueID,
		Language:     language,
		Text:         result.Text,
		SegmentsJSON: segmentsJSON,
		AvgLogprob:   result.AvgLogprob,
		NoSpeechProb: result.NoSpeechProb,
	}); err != nil {
		return err
	}
	if err := p.db.FinishASR(ctx, d.DialogueID, pass, model); err != nil {
		return err
	}

	p.log.Info("dialogue transcribed",
		"dialogue_id", d.DialogueID,
		"pass", pass,
		"audio_duration", audioDuration,
		"text_length", len(result.Text),
	)
	return nil
}

func (p *Processor) transcribe(ctx context.Context, wav []byte, model string) (*asr.Result, error) {
	return p.stt.Transcribe(ctx, asr.Request{
		WAV:      wav,
		Model:    model,
		Language: p.cfg.Language,
		BeamSize: p.cfg.BeamSize,
	})
}

// distinctChunkIDs returns the unique chunk IDs in segment order.
func distinctChunkIDs(segments []store.DialogueSegment) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(segments))
	var ids []uuid.UUID
	for _, seg := range segments {
		if _, ok := seen[seg.ChunkID]; ok {
			continue
		}
		seen[seg.ChunkID] = struct{}{}
		ids = append(ids, seg.ChunkID)
	}
	return ids
}
