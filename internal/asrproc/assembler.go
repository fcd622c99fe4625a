package asrproc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/posaudio/upsell-pipeline/internal/store"
	"github.com/posaudio/upsell-pipeline/pkg/asr"
)

// Assembled audio format: 16 kHz mono s16, what the transcription server
// expects.
const (
	wavSampleRate = 16000
	wavChannels   = 1
	bytesPerSec   = wavSampleRate * wavChannels * 2
)

// Extractor cuts one segment out of a chunk file as raw PCM.
type Extractor interface {
	// ExtractPCM returns [startMs, endMs) of the file at path as 16 kHz
	// mono little-endian s16 PCM.
	ExtractPCM(ctx context.Context, path string, startMs, endMs int) ([]byte, error)
}

// FFmpegExtractor shells out to ffmpeg for cutting and resampling.
type FFmpegExtractor struct{}

func (FFmpegExtractor) ExtractPCM(ctx context.Context, path string, startMs, endMs int) ([]byte, error) {
	startSec := float64(startMs) / 1000
	durSec := float64(endMs-startMs) / 1000

	var out, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(startSec, 'f', 3, 64),
		"-t", strconv.FormatFloat(durSec, 'f', 3, 64),
		"-i", path,
		"-ar", strconv.Itoa(wavSampleRate),
		"-ac", strconv.Itoa(wavChannels),
		"-f", "s16le",
		"-",
	)
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("asrproc: ffmpeg extract %q [%d,%d): %w: %s",
			path, startMs, endMs, err, errBuf.String())
	}
	return out.Bytes(), nil
}

// AssembleDialogueAudio extracts every segment from its cached chunk file
// and concatenates the PCM into one WAV. chunkPaths maps chunk IDs to local
// files (from the fetcher). Returns the WAV and the total audio duration.
func AssembleDialogueAudio(
	ctx context.Context,
	ext Extractor,
	segments []store.DialogueSegment,
	chunkPaths map[string]string,
) ([]byte, time.Duration, error) {
	if len(segments) == 0 {
		return nil, 0, fmt.Errorf("asrproc: no segments to assemble")
	}

	var pcm []byte
	for _, seg := range segments {
		path, ok := chunkPaths[seg.ChunkID.String()]
		if !ok {
			return nil, 0, fmt.Errorf("asrproc: chunk %s not fetched", seg.ChunkID)
		}
		part, err := ext.ExtractPCM(ctx, path, seg.StartMs, seg.EndMs)
		if err != nil {
			return nil, 0, err
		}
		pcm = append(pcm, part...)
	}

	duration := time.Duration(len(pcm)) * time.Second / bytesPerSec
	return asr.EncodeWAV(pcm, wavSampleRate, wavChannels), duration, nil
}
