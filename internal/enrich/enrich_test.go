package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/callpipe/callpipe/internal/audio"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ audio.Artifact) (string, error) {
	return f.text, f.err
}

type fakeAnalyzer struct {
	got      string
	analysis Analysis
	err      error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, transcript string) (Analysis, error) {
	f.got = transcript
	return f.analysis, f.err
}

func art(data string) audio.Artifact {
	return audio.Artifact{Data: []byte(data), Format: audio.FormatNormalized}
}

func TestEnrich(t *testing.T) {
	an := &fakeAnalyzer{analysis: Analysis{Label: "positive", Score: 0.8, Summary: "a friendly call"}}
	inv := NewInvoker(&fakeTranscriber{text: "  hello world  "}, an, 0)

	res, err := inv.Enrich(context.Background(), art("wav-bytes"))
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}
	if res.Transcript != "hello world" {
		t.Errorf("Transcript = %q", res.Transcript)
	}
	if res.SentimentLabel != "positive" || res.SentimentScore != 0.8 {
		t.Errorf("sentiment = %q %v", res.SentimentLabel, res.SentimentScore)
	}
	if res.Summary != "a friendly call" {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestEnrich_EmptyAudio(t *testing.T) {
	inv := NewInvoker(&fakeTranscriber{}, &fakeAnalyzer{}, 0)
	if _, err := inv.Enrich(context.Background(), audio.Artifact{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

func TestEnrich_EmptyTranscript(t *testing.T) {
	inv := NewInvoker(&fakeTranscriber{text: "   "}, &fakeAnalyzer{}, 0)
	if _, err := inv.Enrich(context.Background(), art("x")); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("err = %v, want ErrEmptyTranscript", err)
	}
}

func TestEnrich_BoundsTranscriptForAnalysis(t *testing.T) {
	long := strings.Repeat("a", 500)
	an := &fakeAnalyzer{}
	inv := NewInvoker(&fakeTranscriber{text: long}, an, 100)

	res, err := inv.Enrich(context.Background(), art("x"))
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}
	if len(an.got) != 100 {
		t.Errorf("analyzer saw %d chars, want 100", len(an.got))
	}
	// The stored transcript is the full text; only the analysis input is bounded.
	if len(res.Transcript) != 500 {
		t.Errorf("Transcript length = %d, want 500", len(res.Transcript))
	}
}

func TestEnrich_TranscriberErrorPropagates(t *testing.T) {
	want := errors.New("timeout")
	inv := NewInvoker(&fakeTranscriber{err: want}, &fakeAnalyzer{}, 0)
	if _, err := inv.Enrich(context.Background(), art("x")); !errors.Is(err, want) {
		t.Fatalf("err = %v, want wrapped timeout", err)
	}
}

func TestTruncate_RespectsRuneBoundaries(t *testing.T) {
	s := "héllo"
	got := truncate(s, 2)
	for _, r := range got {
		if r == '�' {
			t.Fatalf("truncate split a rune: %q", got)
		}
	}
	if got != "h" {
		t.Errorf("truncate = %q, want %q", got, "h")
	}
}
