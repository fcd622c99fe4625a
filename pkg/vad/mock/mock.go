// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify detectors are created with the expected Config. Use
// Detector to script per-frame answers and inspect the submitted frames.
package mock

import (
	"sync"

	"github.com/posaudio/upsell-pipeline/pkg/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a default Detector is
	// returned.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records every Config passed to NewDetector, in order.
	NewDetectorCalls []vad.Config
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, cfg)
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Detector is a mock implementation of vad.Detector. Flags are consumed one
// per IsSpeech call; once exhausted every frame reads as silence.
type Detector struct {
	mu sync.Mutex

	// Flags are the scripted per-frame answers.
	Flags []bool

	// Err, if non-nil, is returned by every IsSpeech call.
	Err error

	// Frames records a copy of every submitted frame.
	Frames [][]byte

	next int
}

// IsSpeech records the frame and returns the next scripted flag.
func (d *Detector) IsSpeech(frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Frames = append(d.Frames, append([]byte(nil), frame...))
	if d.Err != nil {
		return false, d.Err
	}
	if d.next >= len(d.Flags) {
		return false, nil
	}
	flag := d.Flags[d.next]
	d.next++
	return flag, nil
}

var _ vad.Detector = (*Detector)(nil)
