package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// FFmpegTranscoder shells out to an ffmpeg binary to re-encode normalized WAV
// into 16 kHz mono MP3, sized for fast upload to the transcription service.
type FFmpegTranscoder struct {
	Path string // ffmpeg binary; e.g. "ffmpeg" or an absolute path
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, wavData []byte) ([]byte, error) {
	if t.Path == "" {
		return nil, fmt.Errorf("ffmpeg path not configured")
	}

	cmd := exec.CommandContext(ctx, t.Path,
		"-hide_banner", "-loglevel", "error",
		"-f", "wav", "-i", "pipe:0",
		"-ar", "16000", "-ac", "1", "-b:a", "48k",
		"-f", "mp3", "pipe:1",
	)
	cmd.Stdin = bytes.NewReader(wavData)

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(errBuf.String())
		if detail != "" {
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output")
	}
	return out.Bytes(), nil
}
