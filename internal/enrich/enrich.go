// Package enrich hands normalized audio to the transcription collaborator and
// its transcript to the sentiment collaborator, both consumed as black-box
// capabilities.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/callpipe/callpipe/internal/audio"
)

// Terminal enrichment failures. Network and timeout errors from either
// capability pass through wrapped and are classified retryable by the worker.
var (
	// ErrEmptyInput means there is no audio to transcribe.
	ErrEmptyInput = errors.New("enrich: empty audio input")

	// ErrEmptyTranscript means transcription yielded no usable text.
	ErrEmptyTranscript = errors.New("enrich: empty transcript")
)

// Transcriber converts audio bytes into text.
type Transcriber interface {
	Transcribe(ctx context.Context, art audio.Artifact) (string, error)
}

// Analysis is the structured output of the sentiment capability.
type Analysis struct {
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

// Analyzer derives sentiment and a summary from transcript text.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (Analysis, error)
}

// Result is the combined enrichment output for one call.
type Result struct {
	Transcript     string
	SentimentLabel string
	SentimentScore float64
	Summary        string
}

// Invoker chains the two capabilities, bounding transcript length before the
// analysis call to keep cost and latency predictable.
type Invoker struct {
	transcriber Transcriber
	analyzer    Analyzer
	maxChars    int
}

func NewInvoker(t Transcriber, a Analyzer, maxTranscriptChars int) *Invoker {
	if maxTranscriptChars <= 0 {
		maxTranscriptChars = 24000
	}
	return &Invoker{transcriber: t, analyzer: a, maxChars: maxTranscriptChars}
}

// Enrich transcribes the artifact and analyzes the transcript.
func (i *Invoker) Enrich(ctx context.Context, art audio.Artifact) (Result, error) {
	if len(art.Data) == 0 {
		return Result{}, ErrEmptyInput
	}

	transcript, err := i.transcriber.Transcribe(ctx, art)
	if err != nil {
		return Result{}, fmt.Errorf("transcribing: %w", err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Result{}, ErrEmptyTranscript
	}

	analysis, err := i.analyzer.Analyze(ctx, truncate(transcript, i.maxChars))
	if err != nil {
		return Result{}, fmt.Errorf("analyzing: %w", err)
	}

	return Result{
		Transcript:     transcript,
		SentimentLabel: analysis.Label,
		SentimentScore: analysis.Score,
		Summary:        analysis.Summary,
	}, nil
}

// truncate bounds s to max characters without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
