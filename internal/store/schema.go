package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Device registry and chunk queue
// ─────────────────────────────────────────────────────────────────────────────

const ddlDevices = `
CREATE TABLE IF NOT EXISTS devices (
    device_id     UUID         PRIMARY KEY,
    point_id      UUID         NOT NULL,
    register_id   UUID         NOT NULL,
    token_hash    TEXT         NOT NULL,
    is_enabled    BOOLEAN      NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_seen_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS ix_devices_token_hash
    ON devices (token_hash) WHERE is_enabled;
`

const ddlAudioChunks = `
CREATE TABLE IF NOT EXISTS audio_chunks (
    chunk_id               UUID         PRIMARY KEY,
    device_id              UUID         NOT NULL REFERENCES devices (device_id) ON DELETE CASCADE,
    point_id               UUID         NOT NULL,
    register_id            UUID         NOT NULL,
    start_ts               TIMESTAMPTZ  NOT NULL,
    end_ts                 TIMESTAMPTZ  NOT NULL,
    duration_sec           INTEGER      NOT NULL,
    codec                  VARCHAR(32)  NOT NULL,
    sample_rate            INTEGER      NOT NULL,
    channels               INTEGER      NOT NULL,
    file_path              TEXT         NOT NULL,
    file_size_bytes        BIGINT       NOT NULL,
    status                 VARCHAR(32)  NOT NULL DEFAULT 'QUEUED',
    error_message          TEXT,
    processing_started_at  TIMESTAMPTZ,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ix_audio_chunks_point_start
    ON audio_chunks (point_id, start_ts);

CREATE INDEX IF NOT EXISTS ix_audio_chunks_device_start
    ON audio_chunks (device_id, start_ts);

CREATE INDEX IF NOT EXISTS ix_audio_chunks_status
    ON audio_chunks (status);

CREATE INDEX IF NOT EXISTS ix_audio_chunks_status_processing_started
    ON audio_chunks (status, processing_started_at)
    WHERE status = 'PROCESSING';
`

// ─────────────────────────────────────────────────────────────────────────────
// VAD output: speech segments, dialogues, cross-chunk state
// ─────────────────────────────────────────────────────────────────────────────

const ddlSpeechSegments = `
CREATE TABLE IF NOT EXISTS speech_segments (
    id          UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    chunk_id    UUID         NOT NULL REFERENCES audio_chunks (chunk_id) ON DELETE CASCADE,
    start_ms    INTEGER      NOT NULL,
    end_ms      INTEGER      NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ix_speech_segments_chunk_id
    ON speech_segments (chunk_id);
`

const ddlDialogues = `
CREATE TABLE IF NOT EXISTS dialogues (
    dialogue_id                     UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    device_id                       UUID         NOT NULL REFERENCES devices (device_id) ON DELETE CASCADE,
    point_id                        UUID         NOT NULL,
    register_id                     UUID         NOT NULL,
    start_ts                        TIMESTAMPTZ  NOT NULL,
    end_ts                          TIMESTAMPTZ  NOT NULL,
    source                          TEXT         NOT NULL DEFAULT 'vad',
    created_at                      TIMESTAMPTZ  NOT NULL DEFAULT now(),

    asr_status                      TEXT         NOT NULL DEFAULT 'PENDING',
    asr_processing_started_at       TIMESTAMPTZ,
    asr_started_at                  TIMESTAMPTZ,
    asr_finished_at                 TIMESTAMPTZ,
    asr_error_message               TEXT,
    asr_pass                        TEXT,
    asr_model                       TEXT,

    analysis_status                 TEXT         NOT NULL DEFAULT 'PENDING',
    analysis_processing_started_at  TIMESTAMPTZ,
    analysis_started_at             TIMESTAMPTZ,
    analysis_finished_at            TIMESTAMPTZ,
    analysis_error_message          TEXT,
    analysis_model                  TEXT,
    analysis_prompt_version         TEXT
);

CREATE INDEX IF NOT EXISTS ix_dialogues_device_start
    ON dialogues (device_id, start_ts);

CREATE INDEX IF NOT EXISTS ix_dialogues_point_start
    ON dialogues (point_id, start_ts);

CREATE INDEX IF NOT EXISTS ix_dialogues_asr_status
    ON dialogues (asr_status);

CREATE INDEX IF NOT EXISTS ix_dialogues_analysis_status
    ON dialogues (analysis_status);
`

const ddlDialogueSegments = `
CREATE TABLE IF NOT EXISTS dialogue_segments (
    dialogue_id  UUID     NOT NULL REFERENCES dialogues (dialogue_id) ON DELETE CASCADE,
    chunk_id     UUID     NOT NULL REFERENCES audio_chunks (chunk_id) ON DELETE CASCADE,
    start_ms     INTEGER  NOT NULL,
    end_ms       INTEGER  NOT NULL,
    PRIMARY KEY (dialogue_id, chunk_id, start_ms, end_ms)
);

CREATE INDEX IF NOT EXISTS ix_dialogue_segments_dialogue_id
    ON dialogue_segments (dialogue_id);

CREATE INDEX IF NOT EXISTS ix_dialogue_segments_chunk_id
    ON dialogue_segments (chunk_id);
`

const ddlDeviceDialogueState = `
CREATE TABLE IF NOT EXISTS device_dialogue_state (
    device_id           UUID         PRIMARY KEY REFERENCES devices (device_id) ON DELETE CASCADE,
    open_dialogue_id    UUID         REFERENCES dialogues (dialogue_id) ON DELETE SET NULL,
    last_speech_end_ts  TIMESTAMPTZ,
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// ASR and analysis results
// ─────────────────────────────────────────────────────────────────────────────

const ddlDialogueTranscripts = `
CREATE TABLE IF NOT EXISTS dialogue_transcripts (
    transcript_id   UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    dialogue_id     UUID         NOT NULL UNIQUE REFERENCES dialogues (dialogue_id) ON DELETE CASCADE,
    language        TEXT         NOT NULL DEFAULT 'ru',
    text            TEXT         NOT NULL,
    segments_json   JSONB,
    avg_logprob     DOUBLE PRECISION,
    no_speech_prob  DOUBLE PRECISION,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ix_dialogue_transcripts_dialogue_id
    ON dialogue_transcripts (dialogue_id);
`

const ddlDialogueUpsellAnalysis = `
CREATE TABLE IF NOT EXISTS dialogue_upsell_analysis (
    analysis_id       UUID              PRIMARY KEY DEFAULT gen_random_uuid(),
    dialogue_id       UUID              NOT NULL UNIQUE REFERENCES dialogues (dialogue_id) ON DELETE CASCADE,
    attempted         TEXT              NOT NULL CHECK (attempted IN ('yes', 'no', 'uncertain')),
    quality_score     INTEGER           NOT NULL CHECK (quality_score >= 0 AND quality_score <= 3),
    categories        JSONB             NOT NULL DEFAULT '[]',
    closing_question  BOOLEAN           NOT NULL DEFAULT false,
    customer_reaction TEXT              NOT NULL CHECK (customer_reaction IN ('accepted', 'rejected', 'unclear')),
    evidence_quotes   JSONB             NOT NULL DEFAULT '[]',
    summary           TEXT              NOT NULL,
    confidence        DOUBLE PRECISION,
    created_at        TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ix_dialogue_upsell_analysis_dialogue_id
    ON dialogue_upsell_analysis (dialogue_id);

CREATE INDEX IF NOT EXISTS ix_dialogue_upsell_analysis_categories
    ON dialogue_upsell_analysis USING GIN (categories);
`

// Migrate creates or ensures all required database tables exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every process start; all four binaries run it.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlDevices,
		ddlAudioChunks,
		ddlSpeechSegments,
		ddlDialogues,
		ddlDialogueSegments,
		ddlDeviceDialogueState,
		ddlDialogueTranscripts,
		ddlDialogueUpsellAnalysis,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
