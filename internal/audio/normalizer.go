// Package audio detects the PBX vendor's proprietary recording container,
// rewraps its raw PCM payload as standard WAV, and re-encodes the result into
// a compact distribution format for transcription input.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	wav "github.com/youpy/go-wav"
)

// ErrUnknownFormat means the payload matches no known signature. Terminal:
// retrying cannot make bytes recognizable.
var ErrUnknownFormat = errors.New("audio: unrecognized container signature")

// Format tags an artifact's processing stage.
type Format string

const (
	FormatRaw        Format = "raw"
	FormatNormalized Format = "normalized"
	FormatCompressed Format = "compressed"
)

// Artifact is a recording payload moving through the pipeline.
type Artifact struct {
	Data   []byte
	Format Format
}

// The vendor's proprietary container: a 4-byte magic, a fixed 32-byte header,
// then raw little-endian 16-bit mono PCM at 8 kHz.
var proprietaryMagic = []byte("NVF1")

const (
	proprietaryHeaderSize = 32
	proprietarySampleRate = 8000
	proprietaryBitDepth   = 16
	proprietaryChannels   = 1
)

// Standard container: RIFF/WAVE.
var (
	riffMagic = []byte("RIFF")
	waveMagic = []byte("WAVE")
)

// Kind is the detected container family.
type Kind int

const (
	KindUnknown Kind = iota
	KindProprietary
	KindWAV
)

// Detect classifies a payload by its leading signature bytes.
func Detect(data []byte) Kind {
	if len(data) >= proprietaryHeaderSize && bytes.HasPrefix(data, proprietaryMagic) {
		return KindProprietary
	}
	if len(data) >= 12 && bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], waveMagic) {
		return KindWAV
	}
	return KindUnknown
}

// Transcoder re-encodes a normalized WAV payload into a compressed
// distribution format, returning the encoded bytes.
type Transcoder interface {
	Transcode(ctx context.Context, wavData []byte) ([]byte, error)
}

// Normalizer converts raw recording bytes into transcription-ready artifacts.
// A nil transcoder skips the compression stage and ships normalized WAV.
type Normalizer struct {
	transcoder Transcoder
	logger     *slog.Logger
}

func NewNormalizer(t Transcoder) *Normalizer {
	return &Normalizer{
		transcoder: t,
		logger:     slog.Default().With("component", "audio"),
	}
}

// Process normalizes and, when a transcoder is configured, compresses raw
// recording bytes. Unrecognized input is a terminal ErrUnknownFormat. A
// transcoder failure downgrades to the normalized WAV rather than failing the
// job: the WAV is a valid transcription input, just a larger one.
func (n *Normalizer) Process(ctx context.Context, raw []byte) (Artifact, error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return Artifact{}, err
	}

	if n.transcoder == nil {
		return Artifact{Data: normalized, Format: FormatNormalized}, nil
	}

	compressed, err := n.transcoder.Transcode(ctx, normalized)
	if err != nil {
		n.logger.Warn("transcode failed, shipping normalized wav", "error", err)
		return Artifact{Data: normalized, Format: FormatNormalized}, nil
	}
	return Artifact{Data: compressed, Format: FormatCompressed}, nil
}

// Normalize returns a standard WAV payload: proprietary input has its header
// stripped and its PCM samples rewrapped; WAV input passes through unchanged.
func Normalize(raw []byte) ([]byte, error) {
	switch Detect(raw) {
	case KindWAV:
		return raw, nil
	case KindProprietary:
		return wrapPCM(raw[proprietaryHeaderSize:])
	default:
		return nil, ErrUnknownFormat
	}
}

// wrapPCM wraps raw 8 kHz 16-bit mono samples in a WAV container.
func wrapPCM(pcm []byte) ([]byte, error) {
	const bytesPerSample = proprietaryBitDepth / 8
	if len(pcm)%bytesPerSample != 0 {
		// Truncated trailing byte; drop it rather than writing a torn sample.
		pcm = pcm[:len(pcm)-len(pcm)%bytesPerSample]
	}
	numSamples := uint32(len(pcm) / bytesPerSample)

	var buf bytes.Buffer
	w := wav.NewWriter(&buf, numSamples, proprietaryChannels, proprietarySampleRate, proprietaryBitDepth)
	if _, err := w.Write(pcm); err != nil {
		return nil, fmt.Errorf("writing wav payload: %w", err)
	}
	return buf.Bytes(), nil
}

// SampleCount reads the number of samples in a WAV payload.
func SampleCount(wavData []byte) (uint32, error) {
	r := wav.NewReader(bytes.NewReader(wavData))
	format, err := r.Format()
	if err != nil {
		return 0, fmt.Errorf("reading wav format: %w", err)
	}
	bytesPerFrame := uint32(format.NumChannels) * uint32(format.BitsPerSample/8)
	if bytesPerFrame == 0 {
		return 0, errors.New("wav format reports zero-size frames")
	}

	var total uint32
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		total += uint32(n)
		if err != nil {
			break
		}
	}
	return total / bytesPerFrame, nil
}
