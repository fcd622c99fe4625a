package vad

// SmoothingParams controls the hysteresis that turns per-frame flags into
// speech segments.
type SmoothingParams struct {
	// MinSpeechMS of continuous speech opens a segment.
	MinSpeechMS int

	// MinSilenceMS of continuous silence closes a segment.
	MinSilenceMS int
}

// Frames splits 16-bit PCM into complete frames of cfg.FrameMS each. A
// trailing partial frame is dropped.
func Frames(pcm []byte, cfg Config) [][]byte {
	size := cfg.FrameBytes()
	frames := make([][]byte, 0, len(pcm)/size)
	for off := 0; off+size <= len(pcm); off += size {
		frames = append(frames, pcm[off:off+size])
	}
	return frames
}

// Smooth converts per-frame speech flags into [start_ms, end_ms) segments
// using a hysteresis state machine: MinSpeechMS of continuous speech opens a
// segment, MinSilenceMS of continuous silence closes it, and speech still
// active at the end of audio closes at the last frame boundary.
func Smooth(flags []bool, frameMS int, p SmoothingParams) [][2]int {
	if len(flags) == 0 {
		return nil
	}
	minSpeech := max(1, p.MinSpeechMS/frameMS)
	minSilence := max(1, p.MinSilenceMS/frameMS)

	var (
		segments   [][2]int
		inSpeech   bool
		start      int
		runSpeech  int
		runSilence int
	)
	for i, speech := range flags {
		frameStart := i * frameMS
		if !inSpeech {
			if !speech {
				runSpeech = 0
				continue
			}
			runSpeech++
			if runSpeech >= minSpeech {
				inSpeech = true
				start = frameStart - (runSpeech-1)*frameMS
				runSilence = 0
			}
			continue
		}
		if speech {
			runSilence = 0
			continue
		}
		runSilence++
		if runSilence >= minSilence {
			// The segment ended where the silence run began.
			end := frameStart - (runSilence-1)*frameMS
			if end > start {
				segments = append(segments, [2]int{start, end})
			}
			inSpeech = false
			runSpeech = 0
		}
	}
	if inSpeech {
		end := len(flags) * frameMS
		if end > start {
			segments = append(segments, [2]int{start, end})
		}
	}
	return segments
}

// DetectSegments runs the detector over pcm and returns smoothed speech
// segments in chunk-relative milliseconds.
func DetectSegments(det Detector, pcm []byte, cfg Config, p SmoothingParams) ([][2]int, error) {
	frames := Frames(pcm, cfg)
	flags := make([]bool, len(frames))
	for i, f := range frames {
		speech, err := det.IsSpeech(f)
		if err != nil {
			return nil, err
		}
		flags[i] = speech
	}
	return Smooth(flags, cfg.FrameMS, p), nil
}
