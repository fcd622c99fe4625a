// Package asr defines the batch transcription interface and the
// whisper-server client implementing it.
package asr

import (
	"context"
	"encoding/binary"
)

// bitsPerSample is fixed at 16 for the signed little-endian PCM the
// transcription server expects.
const bitsPerSample = 16

// Segment is one transcribed span with its quality signals.
type Segment struct {
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
	Text         string   `json:"text"`
	AvgLogprob   *float64 `json:"avg_logprob,omitempty"`
	NoSpeechProb *float64 `json:"no_speech_prob,omitempty"`
}

// Request is one batch transcription job.
type Request struct {
	// WAV is the complete RIFF/WAV payload.
	WAV []byte

	// Model selects the server-side model for this pass (e.g. "base",
	// "small"). Empty uses the server default.
	Model string

	// Language is the expected language code; empty lets the server detect.
	Language string

	// BeamSize is the decoder beam width; 0 uses the server default.
	BeamSize int
}

// Result is a completed transcription.
type Result struct {
	Text     string
	Language string
	Segments []Segment

	// AvgLogprob and NoSpeechProb are segment means; nil when the server
	// reports no per-segment detail.
	AvgLogprob   *float64
	NoSpeechProb *float64
}

// Transcriber runs batch transcription jobs. Implementations must be safe
// for concurrent use.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM in a standard RIFF/WAV
// container suitable for a multipart upload.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
