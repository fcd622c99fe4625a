package store

import (
	"time"

	"github.com/google/uuid"
)

// Chunk queue statuses.
const (
	ChunkQueued     = "QUEUED"
	ChunkProcessing = "PROCESSING"
	ChunkDone       = "DONE"
	ChunkError      = "ERROR"
)

// Dialogue stage statuses (asr_status and analysis_status columns).
const (
	StagePending    = "PENDING"
	StageProcessing = "PROCESSING"
	StageDone       = "DONE"
	StageError      = "ERROR"
	StageSkipped    = "SKIPPED"
)

// ASR pass names recorded on completed dialogues.
const (
	PassFast     = "fast"
	PassAccurate = "accurate"
)

// Device is a registered POS microphone.
type Device struct {
	DeviceID   uuid.UUID
	PointID    uuid.UUID
	RegisterID uuid.UUID
	TokenHash  string
	IsEnabled  bool
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

// Chunk is one uploaded audio chunk row.
type Chunk struct {
	ChunkID       uuid.UUID
	DeviceID      uuid.UUID
	PointID       uuid.UUID
	RegisterID    uuid.UUID
	StartTS       time.Time
	EndTS         time.Time
	DurationSec   int
	Codec         string
	SampleRate    int
	Channels      int
	FilePath      string
	FileSizeBytes int64
	Status        string
	CreatedAt     time.Time
}

// Span is a half-open [StartMs, EndMs) interval relative to its chunk start.
type Span struct {
	StartMs int
	EndMs   int
}

// Dialogue is a stitched conversation window.
type Dialogue struct {
	DialogueID uuid.UUID
	DeviceID   uuid.UUID
	PointID    uuid.UUID
	RegisterID uuid.UUID
	StartTS    time.Time
	EndTS      time.Time
	Source     string
}

// DialogueState is the per-device cross-chunk stitching state row.
type DialogueState struct {
	DeviceID        uuid.UUID
	OpenDialogueID  *uuid.UUID
	LastSpeechEndTS *time.Time
	UpdatedAt       time.Time
}

// DialogueSegment is one dialogue segment joined with its chunk metadata,
// as needed by the ASR assembler.
type DialogueSegment struct {
	ChunkID      uuid.UUID
	StartMs      int
	EndMs        int
	FilePath     string
	ChunkStartTS time.Time
	SampleRate   int
	Channels     int
}

// Transcript is the ASR result for one dialogue.
type Transcript struct {
	DialogueID   uuid.UUID
	Language     string
	Text         string
	SegmentsJSON []byte // optional per-segment detail, JSON array
	AvgLogprob   *float64
	NoSpeechProb *float64
}

// AnalysisItem is a dialogue claimed for upsell analysis, joined with its
// transcript.
type AnalysisItem struct {
	Dialogue
	TranscriptText string
	Language       string
}

// Analysis is the upsell evaluation persisted for one dialogue.
type Analysis struct {
	DialogueID       uuid.UUID
	Attempted        string // yes | no | uncertain
	QualityScore     int    // 0..3
	Categories       []string
	ClosingQuestion  bool
	CustomerReaction string // accepted | rejected | unclear
	EvidenceQuotes   []string
	Summary          string
	Confidence       *float64 // 0..1, nil when unknown
}
