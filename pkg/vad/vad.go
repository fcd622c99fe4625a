// Package vad defines the frame-level voice activity detection interface and
// the smoothing that turns per-frame flags into speech segments.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// per-file session. Detection is synchronous by design: IsSpeech returns
// immediately, making it suitable for the batch decode loop.
//
// Engines must be safe for concurrent use; a single Detector processes one
// audio stream and should not be shared across goroutines.
package vad

import (
	"errors"
	"fmt"
)

// SampleRate is the PCM rate all detectors operate on. Decoded audio must be
// resampled to this rate before framing.
const SampleRate = 16000

// sampleWidth is bytes per sample (16-bit little-endian PCM).
const sampleWidth = 2

// ErrFrameSize is returned when a frame does not match the configured size.
var ErrFrameSize = errors.New("vad: frame size mismatch")

// Config holds the parameters for a detection session.
type Config struct {
	// FrameMS is the duration of each frame. Supported: 10, 20, 30.
	FrameMS int

	// Aggressiveness tunes how readily frames are rejected as non-speech,
	// 0 (permissive) to 3 (strict).
	Aggressiveness int
}

// Validate checks cfg against the supported parameter space.
func (c Config) Validate() error {
	switch c.FrameMS {
	case 10, 20, 30:
	default:
		return fmt.Errorf("vad: frame_ms %d not supported (want 10, 20 or 30)", c.FrameMS)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness %d out of range [0,3]", c.Aggressiveness)
	}
	return nil
}

// FrameBytes returns the expected byte length of one frame.
func (c Config) FrameBytes() int {
	return SampleRate * c.FrameMS / 1000 * sampleWidth
}

// Detector classifies single audio frames for one stream.
type Detector interface {
	// IsSpeech reports whether the frame contains speech. The frame must be
	// raw little-endian 16-bit PCM of exactly Config.FrameBytes length.
	IsSpeech(frame []byte) (bool, error)
}

// Engine is the factory for detectors, one per audio file.
type Engine interface {
	NewDetector(cfg Config) (Detector, error)
}
