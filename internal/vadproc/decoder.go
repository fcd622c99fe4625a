package vadproc

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"

	"github.com/posaudio/upsell-pipeline/pkg/vad"
)

// Decoder turns a stored audio file into raw 16 kHz mono 16-bit PCM.
type Decoder interface {
	DecodePCM(ctx context.Context, path string) ([]byte, error)
}

// FFmpegDecoder shells out to ffmpeg for decoding. The recorder uploads
// ogg/opus but ffmpeg auto-detects, so any container the fleet ever shipped
// keeps working.
type FFmpegDecoder struct{}

// DecodePCM decodes path to little-endian s16 PCM at [vad.SampleRate] mono.
// A missing file is reported as [fs.ErrNotExist] so the caller can retry
// around slow storage mounts.
func (FFmpegDecoder) DecodePCM(ctx context.Context, path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("vadproc: audio file %q: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("vadproc: stat %q: %w", path, err)
	}

	var out, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(vad.SampleRate),
		"-ac", "1",
		"-",
	)
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("vadproc: ffmpeg decode %q: %w: %s", path, err, errBuf.String())
	}
	return out.Bytes(), nil
}
