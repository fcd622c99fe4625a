// Package analysisproc is the analysis worker: it claims transcribed
// dialogues, runs a cheap prefilter, and asks an LLM evaluator whether the
// cashier attempted an upsell and how well.
package analysisproc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/posaudio/upsell-pipeline/internal/config"
	"github.com/posaudio/upsell-pipeline/internal/observe"
	"github.com/posaudio/upsell-pipeline/internal/store"
	"github.com/posaudio/upsell-pipeline/internal/worker"
)

// Store is the database surface the analysis worker uses.
type Store interface {
	ClaimAnalysisDialogues(ctx context.Context, batch int) ([]store.AnalysisItem, error)
	UpsertAnalysis(ctx context.Context, a *store.Analysis) (uuid.UUID, error)
	FinishAnalysis(ctx context.Context, dialogueID uuid.UUID, model, promptVersion string) error
	FailAnalysis(ctx context.Context, dialogueID uuid.UUID, cause error) error
	SkipAnalysis(ctx context.Context, dialogueID uuid.UUID, reason string) error
	RequeueStuckAnalysis(ctx context.Context, timeout time.Duration) (int64, error)
}

// Processor evaluates one claimed dialogue at a time.
type Processor struct {
	cfg  config.Analysis
	db   Store
	eval Evaluator
	pre  Prefilter
	log  *slog.Logger
}

// New assembles a Processor. The prefilter knobs come from cfg.
func New(cfg config.Analysis, db Store, eval Evaluator, log *slog.Logger) *Processor {
	return &Processor{
		cfg:  cfg,
		db:   db,
		eval: eval,
		pre: Prefilter{
			Enabled:     cfg.PrefilterEnabled,
			MinTextLen:  cfg.PrefilterMinTextLen,
			MinDuration: cfg.PrefilterMinDuration.Duration(),
			Markers:     cfg.UpsellMarkers(),
		},
		log: log,
	}
}

// Loop wires the processor into the shared worker loop.
func (p *Processor) Loop(metrics *observe.Metrics, log *slog.Logger) *worker.Loop[store.AnalysisItem] {
	return &worker.Loop[store.AnalysisItem]{
		Stage:   "analysis",
		Cfg:     p.cfg.WorkerLoop,
		Claim:   p.db.ClaimAnalysisDialogues,
		Process: p.ProcessItem,
		Fail: func(ctx context.Context, it store.AnalysisItem, cause error) {
			if err := p.db.FailAnalysis(ctx, it.DialogueID, cause); err != nil {
				log.Error("mark dialogue ERROR failed", "dialogue_id", it.DialogueID, "error", err)
			}
		},
		Requeue: p.db.RequeueStuckAnalysis,
		Metrics: metrics,
		Stats:   observe.NewWorkerStats("analysis"),
		Log:     log,
	}
}

// ProcessItem runs the prefilter and, when it passes, the LLM evaluation,
// persisting the result. Prefiltered dialogues get a placeholder record and
// count as skipped rather than done.
func (p *Processor) ProcessItem(ctx context.Context, it store.AnalysisItem) error {
	duration := it.EndTS.Sub(it.StartTS)

	if skip, reason := p.pre.ShouldSkip(it.TranscriptText, duration); skip {
		if err := p.db.SkipAnalysis(ctx, it.DialogueID, reason); err != nil {
			return err
		}
		p.log.Info("dialogue skipped by prefilter",
			"dialogue_id", it.DialogueID,
			"reason", reason,
		)
		return worker.ErrSkipped
	}

	ev, err := p.eval.Evaluate(ctx, Request{
		Transcript: it.TranscriptText,
		Duration:   duration,
		PointID:    it.PointID.String(),
		RegisterID: it.RegisterID.String(),
	})
	if err != nil {
		return err
	}

	confidence := ev.Confidence
	if _, err := p.db.UpsertAnalysis(ctx, &store.Analysis{
		DialogueID:       it.DialogueID,
		Attempted:        ev.Attempted,
		QualityScore:     ev.QualityScore,
		Categories:       ev.Categories,
		ClosingQuestion:  ev.ClosingQuestion,
		CustomerReaction: ev.CustomerReaction,
		EvidenceQuotes:   ev.EvidenceQuotes,
		Summary:          ev.Summary,
		Confidence:       &confidence,
	}); err != nil {
		return err
	}
	if err := p.db.FinishAnalysis(ctx, it.DialogueID, p.cfg.OpenAIModel, p.cfg.PromptVersion); err != nil {
		return err
	}

	p.log.Info("dialogue analysed",
		"dialogue_id", it.DialogueID,
		"attempted", ev.Attempted,
		"quality_score", ev.QualityScore,
		"duration", duration,
	)
	return nil
}
