package vad

import (
	"encoding/binary"
	"math"
)

// rmsThresholds maps aggressiveness to the minimum RMS amplitude (in 16-bit
// sample units) a frame needs to count as speech. Values tuned against café
// ambience recordings: level 2 sits just above espresso-machine hiss.
var rmsThresholds = [4]float64{150, 220, 300, 450}

// EnergyEngine is an RMS-energy detector. It has no model weights and no
// cgo dependency, which keeps the worker deployable anywhere; swap in a
// model-backed Engine implementation for noisy sites.
type EnergyEngine struct{}

// NewDetector returns an energy detector for cfg.
func (EnergyEngine) NewDetector(cfg Config) (Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &energyDetector{
		frameBytes: cfg.FrameBytes(),
		threshold:  rmsThresholds[cfg.Aggressiveness],
	}, nil
}

type energyDetector struct {
	frameBytes int
	threshold  float64
}

func (d *energyDetector) IsSpeech(frame []byte) (bool, error) {
	if len(frame) != d.frameBytes {
		return false, ErrFrameSize
	}
	var sum float64
	n := len(frame) / sampleWidth
	for i := 0; i < len(frame); i += sampleWidth {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i:])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	return rms >= d.threshold, nil
}
