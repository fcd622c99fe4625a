package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/posaudio/upsell-pipeline/internal/dialogue"
)

// ApplyVADResult finishes one chunk's VAD processing in a single transaction:
// it saves the raw speech segments, locks the device's dialogue state row,
// asks plan for the stitching decision, applies it (extend the open dialogue,
// create new ones, link segments, write the next state), and flips the chunk
// to DONE.
//
// The state lock serialises stitching per device, so chunks from the same
// microphone are stitched one at a time even across worker replicas.
func (s *Store) ApplyVADResult(
	ctx context.Context,
	chunk *Chunk,
	segments []dialogue.Segment,
	plan func(open *dialogue.Open) dialogue.Plan,
) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, seg := range segments {
			if _, err := tx.Exec(ctx, `
				INSERT INTO speech_segments (chunk_id, start_ms, end_ms)
				VALUES ($1, $2, $3)`,
				chunk.ChunkID, seg.StartMs, seg.EndMs,
			); err != nil {
				return fmt.Errorf("insert segment: %w", err)
			}
		}

		open, err := lockOpenDialogue(ctx, tx, chunk.DeviceID)
		if err != nil {
			return err
		}

		p := plan(open)
		if p.Touch {
			if err := applyPlan(ctx, tx, chunk, open, p); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE audio_chunks
			SET status = 'DONE', processing_started_at = NULL
			WHERE chunk_id = $1`,
			chunk.ChunkID,
		); err != nil {
			return fmt.Errorf("finish chunk: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: apply vad result: %w", err)
	}
	return nil
}

// lockOpenDialogue loads the device state row FOR UPDATE and resolves the
// open dialogue's start timestamp. Returns nil when the device has no open
// dialogue.
func lockOpenDialogue(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (*dialogue.Open, error) {
	var (
		openID  *uuid.UUID
		lastEnd *time.Time
	)
	err := tx.QueryRow(ctx, `
		SELECT open_dialogue_id, last_speech_end_ts
		FROM device_dialogue_state
		WHERE device_id = $1
		FOR UPDATE`,
		deviceID,
	).Scan(&openID, &lastEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock state: %w", err)
	}
	if openID == nil || lastEnd == nil {
		return nil, nil
	}

	var startTS time.Time
	err = tx.QueryRow(ctx, `
		SELECT start_ts FROM dialogues WHERE dialogue_id = $1`,
		*openID,
	).Scan(&startTS)
	if errors.Is(err, pgx.ErrNoRows) {
		// Dialogue was deleted out from under the state row.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load open dialogue: %w", err)
	}

	return &dialogue.Open{ID: *openID, StartTS: startTS, LastSpeechEnd: *lastEnd}, nil
}

func applyPlan(ctx context.Context, tx pgx.Tx, chunk *Chunk, open *dialogue.Open, p dialogue.Plan) error {
	if p.Extend != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE dialogues SET end_ts = $2 WHERE dialogue_id = $1`,
			p.Extend.ID, p.Extend.EndTS,
		); err != nil {
			return fmt.Errorf("extend dialogue: %w", err)
		}
		if err := linkSegments(ctx, tx, p.Extend.ID, p.Extend.Segments); err != nil {
			return err
		}
	}

	var lastCreated *uuid.UUID
	for _, g := range p.Create {
		var id uuid.UUID
		if err := tx.QueryRow(ctx, `
			INSERT INTO dialogues (device_id, point_id, register_id, start_ts, end_ts, source)
			VALUES ($1, $2, $3, $4, $5, 'vad')
			RETURNING dialogue_id`,
			chunk.DeviceID, chunk.PointID, chunk.RegisterID, g.Start(), g.End(),
		).Scan(&id); err != nil {
			return fmt.Errorf("create dialogue: %w", err)
		}
		if err := linkSegments(ctx, tx, id, g.Segments); err != nil {
			return err
		}
		lastCreated = &id
	}

	var nextOpen *uuid.UUID
	if p.KeepOpen {
		switch {
		case lastCreated != nil:
			nextOpen = lastCreated
		case p.Extend != nil:
			nextOpen = &p.Extend.ID
		case open != nil:
			nextOpen = &open.ID
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO device_dialogue_state (device_id, open_dialogue_id, last_speech_end_ts, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (device_id) DO UPDATE SET
			open_dialogue_id = EXCLUDED.open_dialogue_id,
			last_speech_end_ts = EXCLUDED.last_speech_end_ts,
			updated_at = EXCLUDED.updated_at`,
		chunk.DeviceID, nextOpen, p.LastSpeechEnd,
	); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// linkSegments attaches segments to a dialogue. ON CONFLICT DO NOTHING makes
// reprocessing after a requeue idempotent.
func linkSegments(ctx context.Context, tx pgx.Tx, dialogueID uuid.UUID, segs []dialogue.Segment) error {
	for _, seg := range segs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dialogue_segments (dialogue_id, chunk_id, start_ms, end_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			dialogueID, seg.ChunkID, seg.StartMs, seg.EndMs,
		); err != nil {
			return fmt.Errorf("link segment: %w", err)
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ASR queue
// ─────────────────────────────────────────────────────────────────────────────

// ClaimASRDialogues claims up to batch PENDING dialogues for transcription,
// flipping them to PROCESSING with both the processing stamp (for the
// sweeper) and asr_started_at (for reporting).
func (s *Store) ClaimASRDialogues(ctx context.Context, batch int) ([]Dialogue, error) {
	var dialogues []Dialogue
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT dialogue_id, device_id, point_id, register_id, start_ts, end_ts, source
			FROM dialogues
			WHERE asr_status = 'PENDING'
			ORDER BY start_ts ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			batch,
		)
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var d Dialogue
			if err := rows.Scan(&d.DialogueID, &d.DeviceID, &d.PointID,
				&d.RegisterID, &d.StartTS, &d.EndTS, &d.Source); err != nil {
				return fmt.Errorf("scan dialogue: %w", err)
			}
			dialogues = append(dialogues, d)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(dialogues) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(dialogues))
		for i, d := range dialogues {
			ids[i] = d.DialogueID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dialogues
			SET asr_status = 'PROCESSING',
			    asr_processing_started_at = now(),
			    asr_started_at = now()
			WHERE dialogue_id = ANY($1)`,
			ids,
		); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim asr dialogues: %w", err)
	}
	return dialogues, nil
}

// FinishASR marks a dialogue's transcription DONE, recording which pass and
// model produced the final transcript.
func (s *Store) FinishASR(ctx context.Context, dialogueID uuid.UUID, pass, model string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE dialogues
		SET asr_status = 'DONE',
		    asr_finished_at = now(),
		    asr_pass = $2,
		    asr_model = $3,
		    asr_processing_started_at = NULL
		WHERE dialogue_id = $1`,
		dialogueID, pass, model,
	); err != nil {
		return fmt.Errorf("store: finish asr: %w", err)
	}
	return nil
}

// FailASR marks a dialogue's transcription ERROR with a truncated message.
func (s *Store) FailASR(ctx context.Context, dialogueID uuid.UUID, cause error) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE dialogues
		SET asr_status = 'ERROR',
		    asr_error_message = $2,
		    asr_processing_started_at = NULL
		WHERE dialogue_id = $1`,
		dialogueID, truncateError(cause),
	); err != nil {
		return fmt.Errorf("store: fail asr: %w", err)
	}
	return nil
}

// RequeueStuckASR returns PROCESSING dialogues older than timeout to the ASR
// queue.
func (s *Store) RequeueStuckASR(ctx context.Context, timeout time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dialogues
		SET asr_status = 'PENDING',
		    asr_processing_started_at = NULL,
		    asr_started_at = NULL
		WHERE asr_status = 'PROCESSING'
		  AND asr_processing_started_at < now() - make_interval(secs => $1)`,
		timeout.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stuck asr: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetDialogueSegments returns a dialogue's segments joined with chunk
// metadata, ordered chronologically for audio assembly.
func (s *Store) GetDialogueSegments(ctx context.Context, dialogueID uuid.UUID) ([]DialogueSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ds.chunk_id, ds.start_ms, ds.end_ms,
		       ac.file_path, ac.start_ts, ac.sample_rate, ac.channels
		FROM dialogue_segments ds
		JOIN audio_chunks ac ON ds.chunk_id = ac.chunk_id
		WHERE ds.dialogue_id = $1
		ORDER BY ac.start_ts ASC, ds.start_ms ASC`,
		dialogueID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: dialogue segments: %w", err)
	}
	defer rows.Close()

	var segs []DialogueSegment
	for rows.Next() {
		var seg DialogueSegment
		if err := rows.Scan(&seg.ChunkID, &seg.StartMs, &seg.EndMs,
			&seg.FilePath, &seg.ChunkStartTS, &seg.SampleRate, &seg.Channels); err != nil {
			return nil, fmt.Errorf("store: dialogue segments: %w", err)
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// GetDialogueAudioDuration sums a dialogue's segment durations.
func (s *Store) GetDialogueAudioDuration(ctx context.Context, dialogueID uuid.UUID) (time.Duration, error) {
	var totalMs int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(end_ms - start_ms), 0)
		FROM dialogue_segments
		WHERE dialogue_id = $1`,
		dialogueID,
	).Scan(&totalMs); err != nil {
		return 0, fmt.Errorf("store: dialogue audio duration: %w", err)
	}
	return time.Duration(totalMs) * time.Millisecond, nil
}

// UpsertTranscript saves the final transcript for a dialogue, replacing any
// earlier one (reprocessing after a requeue converges on the latest result).
func (s *Store) UpsertTranscript(ctx context.Context, t *Transcript) (uuid.UUID, error) {
	var transcriptID uuid.UUID
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO dialogue_transcripts
			(dialogue_id, language, text, segments_json, avg_logprob, no_speech_prob)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dialogue_id) DO UPDATE SET
			language = EXCLUDED.language,
			text = EXCLUDED.text,
			segments_json = EXCLUDED.segments_json,
			avg_logprob = EXCLUDED.avg_logprob,
			no_speech_prob = EXCLUDED.no_speech_prob,
			created_at = now()
		RETURNING transcript_id`,
		t.DialogueID, t.Language, t.Text, t.SegmentsJSON, t.AvgLogprob, t.NoSpeechProb,
	).Scan(&transcriptID); err != nil {
		return uuid.Nil, fmt.Errorf("store: upsert transcript: %w", err)
	}
	return transcriptID, nil
}
