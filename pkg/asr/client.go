package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// defaultTimeout bounds one inference round trip; accurate passes on long
// dialogues can take most of a minute.
const defaultTimeout = 60 * time.Second

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client talks to a running whisper-server binary, which exposes a REST API
// at POST /inference taking a multipart WAV upload.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient creates a Client for the whisper server at serverURL
// (e.g. "http://localhost:8080").
func NewClient(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("asr: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

var _ Transcriber = (*Client)(nil)

// inferenceResponse mirrors the verbose_json shape of the server response.
type inferenceResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Transcribe POSTs the WAV to /inference and returns the parsed result with
// segment-mean quality signals.
func (c *Client) Transcribe(ctx context.Context, req Request) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("asr: create form file: %w", err)
	}
	if _, err := fw.Write(req.WAV); err != nil {
		return nil, fmt.Errorf("asr: write wav data: %w", err)
	}

	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("asr: write field: %w", err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return nil, fmt.Errorf("asr: write field: %w", err)
		}
	}
	if req.Model != "" {
		if err := mw.WriteField("model", req.Model); err != nil {
			return nil, fmt.Errorf("asr: write field: %w", err)
		}
	}
	if req.BeamSize > 0 {
		if err := mw.WriteField("beam_size", strconv.Itoa(req.BeamSize)); err != nil {
			return nil, fmt.Errorf("asr: write field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("asr: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("asr: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("asr: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("asr: server returned HTTP %d: %s", resp.StatusCode, snippet)
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("asr: parse response: %w", err)
	}

	res := &Result{
		Text:     parsed.Text,
		Language: parsed.Language,
		Segments: parsed.Segments,
	}
	res.AvgLogprob = segmentMean(parsed.Segments, func(s Segment) *float64 { return s.AvgLogprob })
	res.NoSpeechProb = segmentMean(parsed.Segments, func(s Segment) *float64 { return s.NoSpeechProb })
	return res, nil
}

// segmentMean averages a per-segment signal, ignoring segments that lack it.
func segmentMean(segs []Segment, get func(Segment) *float64) *float64 {
	var sum float64
	var n int
	for _, s := range segs {
		if v := get(s); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
