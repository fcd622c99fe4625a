package analysisproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/posaudio/upsell-pipeline/internal/config"
)

// Evaluation is the LLM's upsell verdict for one transcript.
type Evaluation struct {
	Attempted        string   `json:"attempted"`
	QualityScore     int      `json:"quality_score"`
	Categories       []string `json:"categories"`
	ClosingQuestion  bool     `json:"closing_question"`
	CustomerReaction string   `json:"customer_reaction"`
	EvidenceQuotes   []string `json:"evidence_quotes"`
	Summary          string   `json:"summary"`
	Confidence       float64  `json:"confidence"`
}

// Request carries one transcript with its dialogue context.
type Request struct {
	Transcript string
	Duration   time.Duration
	PointID    string
	RegisterID string
}

// Evaluator turns a transcript into a validated Evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*Evaluation, error)
}

// Retry backoff for rate-limit and connection errors.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// OpenAIEvaluator calls the OpenAI chat completions API with a strict
// structured-output schema, falling back to plain JSON mode for models that
// reject the schema.
type OpenAIEvaluator struct {
	client     oai.Client
	model      string
	maxRetries int
	log        *slog.Logger
}

var _ Evaluator = (*OpenAIEvaluator)(nil)

// NewOpenAIEvaluator builds an evaluator from the analysis worker config.
func NewOpenAIEvaluator(cfg config.Analysis, log *slog.Logger) *OpenAIEvaluator {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIAPIKey),
		// The retry policy lives here, not in the SDK.
		option.WithMaxRetries(0),
	}
	if d := cfg.OpenAITimeout.Duration(); d > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
	return &OpenAIEvaluator{
		client:     oai.NewClient(opts...),
		model:      cfg.OpenAIModel,
		maxRetries: cfg.OpenAIMaxRetries,
		log:        log,
	}
}

// Evaluate implements Evaluator.
func (e *OpenAIEvaluator) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	userPrompt := buildUserPrompt(req.Transcript, req.Duration.Seconds(), req.PointID, req.RegisterID)

	start := time.Now()
	fallback := false
	raw, err := e.callStructured(ctx, userPrompt)
	if err != nil {
		if !shouldFallBackToJSONMode(err) {
			return nil, err
		}
		e.log.Warn("structured outputs unavailable, falling back to JSON mode",
			"model", e.model, "error", err)
		fallback = true
		if raw, err = e.callJSONMode(ctx, userPrompt); err != nil {
			return nil, err
		}
	}

	var ev Evaluation
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("analysisproc: decode evaluation: %w", err)
	}
	if err := ev.normalize(); err != nil {
		return nil, err
	}

	e.log.Info("llm evaluation completed",
		"model", e.model,
		"latency", time.Since(start).Round(time.Millisecond),
		"attempted", ev.Attempted,
		"quality_score", ev.QualityScore,
		"fallback_used", fallback,
	)
	return &ev, nil
}

func (e *OpenAIEvaluator) callStructured(ctx context.Context, userPrompt string) (json.RawMessage, error) {
	return e.call(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(userPrompt),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName,
					Strict: oai.Bool(true),
					Schema: upsellSchema,
				},
			},
		},
	})
}

func (e *OpenAIEvaluator) callJSONMode(ctx context.Context, userPrompt string) (json.RawMessage, error) {
	// Without a server-enforced schema the model needs it in the prompt.
	schemaJSON, err := json.MarshalIndent(upsellSchema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("analysisproc: marshal schema: %w", err)
	}
	system := systemPrompt + "\n\nВерни результат строго в формате JSON по схеме:\n" + string(schemaJSON)

	return e.call(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(userPrompt),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature: param.NewOpt(0.3),
	})
}

func (e *OpenAIEvaluator) call(ctx context.Context, params oai.ChatCompletionNewParams) (json.RawMessage, error) {
	var content string
	err := e.withRetry(ctx, func() error {
		resp, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return fmt.Errorf("analysisproc: chat completion: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return errors.New("analysisproc: empty response from model")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("analysisproc: response is not valid JSON: %.100s", content)
	}
	return json.RawMessage(content), nil
}

// withRetry runs fn up to maxRetries times, backing off exponentially on
// rate-limit and connection errors. Other errors return immediately.
func (e *OpenAIEvaluator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			delay := min(retryBaseDelay<<(attempt-1), retryMaxDelay)
			e.log.Warn("retrying llm call", "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryableLLMError(err) {
			return err
		}
	}
	return err
}

func retryableLLMError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusTooManyRequests
	}
	// Transport errors surface as *url.Error.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// shouldFallBackToJSONMode matches the API's various ways of saying it does
// not support json_schema response formats for the chosen model.
func shouldFallBackToJSONMode(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "json_schema") ||
		strings.Contains(msg, "structured") ||
		strings.Contains(msg, "format")
}

var (
	validAttempted = map[string]bool{"yes": true, "no": true, "uncertain": true}
	validReaction  = map[string]bool{"accepted": true, "rejected": true, "unclear": true}

	validCategories = func() map[string]bool {
		m := make(map[string]bool, len(upsellCategories))
		for _, c := range upsellCategories {
			m[c] = true
		}
		return m
	}()
)

const (
	maxEvidenceQuotes = 3
	maxQuoteLen       = 100
	maxSummaryLen     = 200
)

// normalize rejects out-of-enum values and trims the free-form fields to
// their schema limits. The model occasionally overshoots maxLength even in
// strict mode.
func (ev *Evaluation) normalize() error {
	if !validAttempted[ev.Attempted] {
		return fmt.Errorf("analysisproc: invalid attempted value %q", ev.Attempted)
	}
	if ev.QualityScore < 0 || ev.QualityScore > 3 {
		return fmt.Errorf("analysisproc: quality_score %d out of range", ev.QualityScore)
	}
	for _, c := range ev.Categories {
		if !validCategories[c] {
			return fmt.Errorf("analysisproc: invalid category %q", c)
		}
	}
	if !validReaction[ev.CustomerReaction] {
		return fmt.Errorf("analysisproc: invalid customer_reaction %q", ev.CustomerReaction)
	}

	// The analysis table stores both arrays NOT NULL.
	if ev.Categories == nil {
		ev.Categories = []string{}
	}
	if ev.EvidenceQuotes == nil {
		ev.EvidenceQuotes = []string{}
	}

	if len(ev.EvidenceQuotes) > maxEvidenceQuotes {
		ev.EvidenceQuotes = ev.EvidenceQuotes[:maxEvidenceQuotes]
	}
	for i, q := range ev.EvidenceQuotes {
		ev.EvidenceQuotes[i] = truncateRunes(q, maxQuoteLen)
	}
	ev.Summary = truncateRunes(ev.Summary, maxSummaryLen)
	ev.Confidence = math.Max(0, math.Min(1, ev.Confidence))
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
