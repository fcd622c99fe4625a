// Package config provides the configuration schema and loader for all four
// pipeline services (ingest API, VAD worker, ASR worker, analysis worker).
//
// Each process loads exactly one immutable config struct at startup: an
// optional YAML file supplies base values, then environment variables
// override field by field. There is no runtime reloading — workers are
// cheap to restart and the queue tables make restarts safe.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Seconds is a duration expressed as a (possibly fractional) number of
// seconds in YAML and environment values, mirroring the *_SEC variable
// naming. It converts to time.Duration via [Seconds.Duration].
type Seconds time.Duration

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// UnmarshalYAML decodes a scalar number of seconds.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("config: duration must be a number of seconds: %w", err)
	}
	*s = Seconds(secs * float64(time.Second))
	return nil
}

// MarshalYAML encodes s as a float number of seconds.
func (s Seconds) MarshalYAML() (any, error) {
	return time.Duration(s).Seconds(), nil
}

// Common holds the settings shared by every pipeline process.
type Common struct {
	// DatabaseURL is the PostgreSQL connection string (DATABASE_URL).
	DatabaseURL string `yaml:"database_url"`

	// AudioStorageDir is the root of the chunk blob tree (AUDIO_STORAGE_DIR).
	AudioStorageDir string `yaml:"audio_storage_dir"`

	// LogLevel controls verbosity (LOG_LEVEL).
	LogLevel LogLevel `yaml:"log_level"`
}

// WorkerLoop holds the knobs shared by all pull-worker loops.
type WorkerLoop struct {
	// PollInterval is how long the main loop sleeps when a claim returns no
	// work (POLL_INTERVAL_SEC). Clamped to [1s, 5m].
	PollInterval Seconds `yaml:"poll_interval_sec"`

	// BatchSize is the maximum number of rows claimed per iteration
	// (BATCH_SIZE). Clamped per cohort, see each worker's Validate.
	BatchSize int `yaml:"batch_size"`

	// StuckTimeout is how long a row may sit in PROCESSING before the
	// recovery sweeper returns it to the queue.
	StuckTimeout Seconds `yaml:"stuck_timeout_sec"`

	// RecoveryInterval is how often the sweeper runs (RECOVERY_INTERVAL_SEC).
	RecoveryInterval Seconds `yaml:"recovery_interval_sec"`

	// MetricsLogInterval is how often the worker logs its aggregate metrics
	// snapshot (METRICS_LOG_INTERVAL_SEC).
	MetricsLogInterval Seconds `yaml:"metrics_log_interval_sec"`

	// MaxRetries bounds per-item retries for transient input errors.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base delay for exponential retry backoff.
	RetryDelay Seconds `yaml:"retry_delay_sec"`
}

// Ingest configures the ingest API process.
type Ingest struct {
	Common `yaml:",inline"`

	// ListenAddr is the TCP address the HTTP server binds (LISTEN_ADDR).
	ListenAddr string `yaml:"listen_addr"`

	// AdminToken guards the device management endpoints (ADMIN_TOKEN).
	AdminToken string `yaml:"admin_token"`

	// InternalToken guards the internal chunk-file endpoint used by the ASR
	// worker (INTERNAL_TOKEN). Empty disables the endpoint.
	InternalToken string `yaml:"internal_token"`

	// MaxUploadSizeBytes caps the chunk file part (MAX_UPLOAD_SIZE_BYTES).
	MaxUploadSizeBytes int64 `yaml:"max_upload_size_bytes"`
}

// VAD configures the VAD worker process.
type VAD struct {
	Common     `yaml:",inline"`
	WorkerLoop `yaml:",inline"`

	// Aggressiveness selects how strict the frame classifier is, 0-3
	// (VAD_AGGRESSIVENESS). Higher filters more aggressively.
	Aggressiveness int `yaml:"vad_aggressiveness"`

	// FrameMS is the VAD frame duration in milliseconds (VAD_FRAME_MS).
	// Must be 10, 20 or 30.
	FrameMS int `yaml:"vad_frame_ms"`

	// MinSpeechMS is the continuous-voiced run required to open a segment.
	MinSpeechMS int `yaml:"min_speech_ms"`

	// MinSilenceMS is the continuous-unvoiced run required to close one.
	MinSilenceMS int `yaml:"min_silence_ms"`

	// SilenceGap is the largest silence allowed inside one dialogue
	// (SILENCE_GAP_SEC).
	SilenceGap Seconds `yaml:"silence_gap_sec"`

	// MaxDialogue is the duration after which a dialogue is split
	// (MAX_DIALOGUE_SEC).
	MaxDialogue Seconds `yaml:"max_dialogue_sec"`
}

// ASR configures the ASR worker process.
type ASR struct {
	Common     `yaml:",inline"`
	WorkerLoop `yaml:",inline"`

	// IngestInternalBaseURL is the base URL of the ingest API used to fetch
	// chunk files (INGEST_INTERNAL_BASE_URL).
	IngestInternalBaseURL string `yaml:"ingest_internal_base_url"`

	// InternalToken authenticates against the internal endpoint.
	InternalToken string `yaml:"internal_token"`

	// AudioTmpDir holds fetched chunks and assembled WAVs (AUDIO_TMP_DIR).
	AudioTmpDir string `yaml:"audio_tmp_dir"`

	// WhisperServerURL is the whisper-server REST endpoint
	// (WHISPER_SERVER_URL).
	WhisperServerURL string `yaml:"whisper_server_url"`

	// ModelFast and ModelAccurate name the two transcription tiers
	// (WHISPER_MODEL_FAST / WHISPER_MODEL_ACCURATE).
	ModelFast     string `yaml:"whisper_model_fast"`
	ModelAccurate string `yaml:"whisper_model_accurate"`

	// BeamSize and Language are forwarded to the ASR engine.
	BeamSize int    `yaml:"beam_size"`
	Language string `yaml:"language"`

	// AvgLogprobThreshold triggers the accurate pass when the fast pass
	// reports lower confidence (AVG_LOGPROB_THRESHOLD).
	AvgLogprobThreshold float64 `yaml:"avg_logprob_threshold"`

	// MinTextLengthRatio is the minimum chars-per-second before the fast
	// transcript is considered suspiciously short (MIN_TEXT_LENGTH_RATIO).
	MinTextLengthRatio float64 `yaml:"min_text_length_ratio"`

	// MinDurationForAccurate is the shortest audio worth an accurate pass
	// (MIN_DURATION_FOR_ACCURATE).
	MinDurationForAccurate Seconds `yaml:"min_duration_for_accurate"`

	// HTTPTimeout bounds internal chunk fetches (HTTP_TIMEOUT_SEC).
	HTTPTimeout Seconds `yaml:"http_timeout_sec"`
}

// Analysis configures the analysis worker process.
type Analysis struct {
	Common     `yaml:",inline"`
	WorkerLoop `yaml:",inline"`

	// OpenAIAPIKey authenticates the LLM evaluator (OPENAI_API_KEY).
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// OpenAIModel is the evaluator model name (OPENAI_MODEL).
	OpenAIModel string `yaml:"openai_model"`

	// OpenAITimeout bounds a single LLM request (OPENAI_TIMEOUT_SEC).
	OpenAITimeout Seconds `yaml:"openai_timeout_sec"`

	// OpenAIMaxRetries bounds rate-limit/connection retries.
	OpenAIMaxRetries int `yaml:"openai_max_retries"`

	// PromptVersion is recorded on every completed analysis (PROMPT_VERSION).
	PromptVersion string `yaml:"prompt_version"`

	// PrefilterEnabled toggles the cheap skip rules (PREFILTER_ENABLED).
	PrefilterEnabled bool `yaml:"prefilter_enabled"`

	// PrefilterMinTextLen is the shortest transcript worth analysing
	// (PREFILTER_MIN_TEXT_LEN).
	PrefilterMinTextLen int `yaml:"prefilter_min_text_len"`

	// PrefilterMinDuration is the shortest dialogue worth analysing when no
	// upsell marker is present (PREFILTER_MIN_DURATION_SEC).
	PrefilterMinDuration Seconds `yaml:"prefilter_min_duration_sec"`

	// PrefilterUpsellMarkers is the comma-separated marker list
	// (PREFILTER_UPSELL_MARKERS). Matching is lowercase substring.
	PrefilterUpsellMarkers string `yaml:"prefilter_upsell_markers"`
}

// UpsellMarkers returns the parsed, lowercased marker list.
func (a *Analysis) UpsellMarkers() []string {
	var markers []string
	for _, m := range strings.Split(a.PrefilterUpsellMarkers, ",") {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			markers = append(markers, m)
		}
	}
	return markers
}

// clampInt returns v limited to [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampLoop applies the shared worker-loop limits. maxBatch differs per
// cohort (the DB tolerates larger VAD batches than ASR ones).
func clampLoop(l *WorkerLoop, maxBatch int) {
	l.BatchSize = clampInt(l.BatchSize, 1, maxBatch)
	if l.PollInterval < Seconds(time.Second) {
		l.PollInterval = Seconds(time.Second)
	}
	if l.PollInterval > Seconds(5*time.Minute) {
		l.PollInterval = Seconds(5 * time.Minute)
	}
	if l.MaxRetries < 1 {
		l.MaxRetries = 1
	}
}

func (c *Common) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url must not be empty")
	}
	if c.LogLevel != "" && !c.LogLevel.IsValid() {
		return fmt.Errorf("config: log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// Validate checks the ingest config.
func (c *Ingest) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.AudioStorageDir == "" {
		return fmt.Errorf("config: audio_storage_dir must not be empty")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("config: admin_token must not be empty")
	}
	if c.MaxUploadSizeBytes <= 0 {
		return fmt.Errorf("config: max_upload_size_bytes must be positive")
	}
	return nil
}

// Validate checks the VAD worker config and clamps the loop knobs.
func (c *VAD) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.AudioStorageDir == "" {
		return fmt.Errorf("config: audio_storage_dir must not be empty")
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("config: vad_aggressiveness must be 0-3, got %d", c.Aggressiveness)
	}
	switch c.FrameMS {
	case 10, 20, 30:
	default:
		return fmt.Errorf("config: vad_frame_ms must be 10, 20 or 30, got %d", c.FrameMS)
	}
	if c.SilenceGap <= 0 || c.MaxDialogue <= 0 {
		return fmt.Errorf("config: silence_gap_sec and max_dialogue_sec must be positive")
	}
	clampLoop(&c.WorkerLoop, 100)
	return nil
}

// Validate checks the ASR worker config and clamps the loop knobs.
func (c *ASR) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.IngestInternalBaseURL == "" {
		return fmt.Errorf("config: ingest_internal_base_url must not be empty")
	}
	if c.InternalToken == "" {
		return fmt.Errorf("config: internal_token must not be empty")
	}
	if c.WhisperServerURL == "" {
		return fmt.Errorf("config: whisper_server_url must not be empty")
	}
	clampLoop(&c.WorkerLoop, 20)
	return nil
}

// Validate checks the analysis worker config and clamps the loop knobs.
func (c *Analysis) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("config: openai_api_key must not be empty")
	}
	if c.OpenAIMaxRetries < 1 {
		c.OpenAIMaxRetries = 1
	}
	clampLoop(&c.WorkerLoop, 50)
	return nil
}
