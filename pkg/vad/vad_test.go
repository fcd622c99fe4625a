package vad

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// pcmSine generates n samples of a 440 Hz sine at the given peak amplitude.
func pcmSine(n int, amplitude float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(SampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := Config{FrameMS: 30, Aggressiveness: 2}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	for _, cfg := range []Config{
		{FrameMS: 25, Aggressiveness: 2},
		{FrameMS: 30, Aggressiveness: 4},
		{FrameMS: 30, Aggressiveness: -1},
	} {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %+v accepted", cfg)
		}
	}
}

func TestEnergyDetector(t *testing.T) {
	t.Parallel()

	cfg := Config{FrameMS: 30, Aggressiveness: 2}
	det, err := EnergyEngine{}.NewDetector(cfg)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	samples := SampleRate * cfg.FrameMS / 1000

	loud := pcmSine(samples, 8000)
	if speech, err := det.IsSpeech(loud); err != nil || !speech {
		t.Errorf("loud frame: speech=%v err=%v, want true", speech, err)
	}

	quiet := pcmSine(samples, 50)
	if speech, err := det.IsSpeech(quiet); err != nil || speech {
		t.Errorf("quiet frame: speech=%v err=%v, want false", speech, err)
	}

	silence := make([]byte, samples*2)
	if speech, _ := det.IsSpeech(silence); speech {
		t.Error("pure silence classified as speech")
	}

	if _, err := det.IsSpeech(loud[:10]); !errors.Is(err, ErrFrameSize) {
		t.Errorf("short frame error = %v, want ErrFrameSize", err)
	}
}

func TestEnergyAggressivenessOrdering(t *testing.T) {
	t.Parallel()

	// A borderline frame should pass at level 0 and fail at level 3.
	cfg0 := Config{FrameMS: 30, Aggressiveness: 0}
	cfg3 := Config{FrameMS: 30, Aggressiveness: 3}
	det0, _ := EnergyEngine{}.NewDetector(cfg0)
	det3, _ := EnergyEngine{}.NewDetector(cfg3)

	samples := SampleRate * 30 / 1000
	borderline := pcmSine(samples, 400) // RMS ~283

	s0, _ := det0.IsSpeech(borderline)
	s3, _ := det3.IsSpeech(borderline)
	if !s0 || s3 {
		t.Errorf("borderline frame: level0=%v level3=%v, want true/false", s0, s3)
	}
}

func TestFrames(t *testing.T) {
	t.Parallel()

	cfg := Config{FrameMS: 30, Aggressiveness: 2}
	size := cfg.FrameBytes()

	pcm := make([]byte, size*3+size/2) // trailing partial frame
	frames := Frames(pcm, cfg)
	if len(frames) != 3 {
		t.Errorf("got %d frames, want 3 (partial dropped)", len(frames))
	}
	for i, f := range frames {
		if len(f) != size {
			t.Errorf("frame %d size = %d, want %d", i, len(f), size)
		}
	}
}

func TestSmooth(t *testing.T) {
	t.Parallel()

	const frameMS = 30
	p := SmoothingParams{MinSpeechMS: 100, MinSilenceMS: 300}
	// 100/30 -> 4 speech frames to open, 300/30 -> 10 silence frames to close.

	repeat := func(flag bool, n int) []bool {
		out := make([]bool, n)
		for i := range out {
			out[i] = flag
		}
		return out
	}
	concat := func(runs ...[]bool) []bool {
		var out []bool
		for _, r := range runs {
			out = append(out, r...)
		}
		return out
	}

	t.Run("short blip ignored", func(t *testing.T) {
		flags := concat(repeat(false, 5), repeat(true, 2), repeat(false, 20))
		if segs := Smooth(flags, frameMS, p); len(segs) != 0 {
			t.Errorf("segments = %v, want none", segs)
		}
	})

	t.Run("basic segment", func(t *testing.T) {
		flags := concat(repeat(false, 10), repeat(true, 20), repeat(false, 15))
		segs := Smooth(flags, frameMS, p)
		if len(segs) != 1 {
			t.Fatalf("segments = %v, want one", segs)
		}
		// Speech frames 10..29: starts at 300ms, silence run starts at 900ms.
		if segs[0] != [2]int{300, 900} {
			t.Errorf("segment = %v, want [300 900]", segs[0])
		}
	})

	t.Run("brief silence bridged", func(t *testing.T) {
		flags := concat(
			repeat(true, 10),
			repeat(false, 5), // 150ms < 300ms: not a boundary
			repeat(true, 10),
			repeat(false, 12),
		)
		segs := Smooth(flags, frameMS, p)
		if len(segs) != 1 {
			t.Fatalf("segments = %v, want one bridged segment", segs)
		}
		if segs[0] != [2]int{0, 750} {
			t.Errorf("segment = %v, want [0 750]", segs[0])
		}
	})

	t.Run("speech at end of audio closes at last frame", func(t *testing.T) {
		flags := concat(repeat(false, 4), repeat(true, 8))
		segs := Smooth(flags, frameMS, p)
		if len(segs) != 1 {
			t.Fatalf("segments = %v, want one", segs)
		}
		if segs[0] != [2]int{120, 360} {
			t.Errorf("segment = %v, want [120 360]", segs[0])
		}
	})

	t.Run("two segments", func(t *testing.T) {
		flags := concat(
			repeat(true, 10), repeat(false, 15),
			repeat(true, 10), repeat(false, 15),
		)
		segs := Smooth(flags, frameMS, p)
		if len(segs) != 2 {
			t.Fatalf("segments = %v, want two", segs)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if segs := Smooth(nil, frameMS, p); segs != nil {
			t.Errorf("segments = %v, want nil", segs)
		}
	})
}

func TestDetectSegments(t *testing.T) {
	t.Parallel()

	cfg := Config{FrameMS: 30, Aggressiveness: 2}
	det, _ := EnergyEngine{}.NewDetector(cfg)
	p := SmoothingParams{MinSpeechMS: 100, MinSilenceMS: 300}

	samples := SampleRate * cfg.FrameMS / 1000
	var pcm []byte
	for i := 0; i < 10; i++ { // 300ms silence
		pcm = append(pcm, make([]byte, samples*2)...)
	}
	for i := 0; i < 20; i++ { // 600ms speech
		pcm = append(pcm, pcmSine(samples, 8000)...)
	}
	for i := 0; i < 15; i++ { // 450ms silence
		pcm = append(pcm, make([]byte, samples*2)...)
	}

	segs, err := DetectSegments(det, pcm, cfg, p)
	if err != nil {
		t.Fatalf("DetectSegments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("segments = %v, want one", segs)
	}
	if segs[0] != [2]int{300, 900} {
		t.Errorf("segment = %v, want [300 900]", segs[0])
	}
}
