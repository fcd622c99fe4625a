package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ClaimAnalysisDialogues claims up to batch dialogues ready for upsell
// analysis: transcription DONE, analysis PENDING, transcript present. Only
// the dialogue rows are locked; the transcript join is read-only.
func (s *Store) ClaimAnalysisDialogues(ctx context.Context, batch int) ([]AnalysisItem, error) {
	var items []AnalysisItem
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT d.dialogue_id, d.device_id, d.point_id, d.register_id,
			       d.start_ts, d.end_ts, d.source,
			       dt.text, dt.language
			FROM dialogues d
			JOIN dialogue_transcripts dt ON d.dialogue_id = dt.dialogue_id
			WHERE d.asr_status = 'DONE'
			  AND d.analysis_status = 'PENDING'
			ORDER BY d.start_ts ASC
			LIMIT $1
			FOR UPDATE OF d SKIP LOCKED`,
			batch,
		)
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var it AnalysisItem
			if err := rows.Scan(&it.DialogueID, &it.DeviceID, &it.PointID,
				&it.RegisterID, &it.StartTS, &it.EndTS, &it.Source,
				&it.TranscriptText, &it.Language); err != nil {
				return fmt.Errorf("scan item: %w", err)
			}
			items = append(items, it)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(items) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(items))
		for i, it := range items {
			ids[i] = it.DialogueID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dialogues
			SET analysis_status = 'PROCESSING',
			    analysis_processing_started_at = now(),
			    analysis_started_at = now()
			WHERE dialogue_id = ANY($1)`,
			ids,
		); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim analysis dialogues: %w", err)
	}
	return items, nil
}

// FinishAnalysis marks a dialogue's analysis DONE, recording the evaluator
// model and prompt version.
func (s *Store) FinishAnalysis(ctx context.Context, dialogueID uuid.UUID, model, promptVersion string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE dialogues
		SET analysis_status = 'DONE',
		    analysis_finished_at = now(),
		    analysis_model = $2,
		    analysis_prompt_version = $3,
		    analysis_processing_started_at = NULL
		WHERE dialogue_id = $1`,
		dialogueID, model, promptVersion,
	); err != nil {
		return fmt.Errorf("store: finish analysis: %w", err)
	}
	return nil
}

// FailAnalysis marks a dialogue's analysis ERROR with a truncated message.
func (s *Store) FailAnalysis(ctx context.Context, dialogueID uuid.UUID, cause error) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE dialogues
		SET analysis_status = 'ERROR',
		    analysis_error_message = $2,
		    analysis_processing_started_at = NULL
		WHERE dialogue_id = $1`,
		dialogueID, truncateError(cause),
	); err != nil {
		return fmt.Errorf("store: fail analysis: %w", err)
	}
	return nil
}

// SkipAnalysis marks a dialogue SKIPPED and writes a placeholder analysis
// row so downstream consumers always find a record per finished dialogue.
func (s *Store) SkipAnalysis(ctx context.Context, dialogueID uuid.UUID, reason string) error {
	placeholder := &Analysis{
		DialogueID:       dialogueID,
		Attempted:        "uncertain",
		QualityScore:     0,
		Categories:       []string{},
		ClosingQuestion:  false,
		CustomerReaction: "unclear",
		EvidenceQuotes:   []string{},
		Summary:          "Skipped: " + reason,
	}
	if _, err := s.UpsertAnalysis(ctx, placeholder); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE dialogues
		SET analysis_status = 'SKIPPED',
		    analysis_finished_at = now(),
		    analysis_processing_started_at = NULL
		WHERE dialogue_id = $1`,
		dialogueID,
	); err != nil {
		return fmt.Errorf("store: skip analysis: %w", err)
	}
	return nil
}

// UpsertAnalysis saves the upsell evaluation for a dialogue, replacing any
// earlier record.
func (s *Store) UpsertAnalysis(ctx context.Context, a *Analysis) (uuid.UUID, error) {
	var analysisID uuid.UUID
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO dialogue_upsell_analysis
			(dialogue_id, attempted, quality_score, categories, closing_question,
			 customer_reaction, evidence_quotes, summary, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dialogue_id) DO UPDATE SET
			attempted = EXCLUDED.attempted,
			quality_score = EXCLUDED.quality_score,
			categories = EXCLUDED.categories,
			closing_question = EXCLUDED.closing_question,
			customer_reaction = EXCLUDED.customer_reaction,
			evidence_quotes = EXCLUDED.evidence_quotes,
			summary = EXCLUDED.summary,
			confidence = EXCLUDED.confidence,
			created_at = now()
		RETURNING analysis_id`,
		a.DialogueID, a.Attempted, a.QualityScore, a.Categories, a.ClosingQuestion,
		a.CustomerReaction, a.EvidenceQuotes, a.Summary, a.Confidence,
	).Scan(&analysisID); err != nil {
		return uuid.Nil, fmt.Errorf("store: upsert analysis: %w", err)
	}
	return analysisID, nil
}

// RequeueStuckAnalysis returns PROCESSING dialogues older than timeout to
// the analysis queue.
func (s *Store) RequeueStuckAnalysis(ctx context.Context, timeout time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dialogues
		SET analysis_status = 'PENDING',
		    analysis_processing_started_at = NULL,
		    analysis_started_at = NULL
		WHERE analysis_status = 'PROCESSING'
		  AND analysis_processing_started_at < now() - make_interval(secs => $1)`,
		timeout.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stuck analysis: %w", err)
	}
	return tag.RowsAffected(), nil
}
