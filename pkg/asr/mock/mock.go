// Package mock provides a test double for the asr package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/posaudio/upsell-pipeline/pkg/asr"
)

// Transcriber is a mock implementation of asr.Transcriber. Results are
// keyed by model name; ByModel lookups fall back to Result.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned when no per-model entry matches.
	Result *asr.Result

	// ByModel maps a model name to its scripted result.
	ByModel map[string]*asr.Result

	// Err, if non-nil, is returned by every call.
	Err error

	// Calls records every request in order. WAV payloads are not copied.
	Calls []asr.Request
}

// Transcribe records the call and returns the scripted result.
func (t *Transcriber) Transcribe(_ context.Context, req asr.Request) (*asr.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, req)
	if t.Err != nil {
		return nil, t.Err
	}
	if r, ok := t.ByModel[req.Model]; ok {
		return r, nil
	}
	if t.Result != nil {
		return t.Result, nil
	}
	return &asr.Result{}, nil
}

var _ asr.Transcriber = (*Transcriber)(nil)
