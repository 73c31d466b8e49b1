package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/callpipe/callpipe/internal/audio"
)

// OpenAIConfig configures the AI-backed capability adapters.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string // optional; empty uses the default endpoint
	TranscribeModel string
	SentimentModel  string
}

func newClient(cfg OpenAIConfig) *openai.Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(c)
}

// OpenAITranscriber implements Transcriber on the speech-to-text API.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

func NewOpenAITranscriber(cfg OpenAIConfig) *OpenAITranscriber {
	model := cfg.TranscribeModel
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAITranscriber{client: newClient(cfg), model: model}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, art audio.Artifact) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		Reader:   bytes.NewReader(art.Data),
		FilePath: artifactFilename(art),
	})
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	return resp.Text, nil
}

// artifactFilename gives the upload a name whose extension matches the
// payload; the API uses it for container detection.
func artifactFilename(art audio.Artifact) string {
	if art.Format == audio.FormatCompressed {
		return "recording.mp3"
	}
	return "recording.wav"
}

const sentimentPrompt = `You analyze call-center transcripts. Reply with a JSON object with keys:
"label": one of "positive", "neutral", "negative";
"score": a number from -1.0 (most negative) to 1.0 (most positive);
"summary": a one-sentence summary of the call.`

// OpenAIAnalyzer implements Analyzer on the chat-completion API with a JSON
// response contract.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
}

func NewOpenAIAnalyzer(cfg OpenAIConfig) *OpenAIAnalyzer {
	model := cfg.SentimentModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIAnalyzer{client: newClient(cfg), model: model}
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, transcript string) (Analysis, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sentimentPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Analysis{}, fmt.Errorf("analysis response has no choices")
	}

	var out Analysis
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return Analysis{}, fmt.Errorf("parsing analysis response: %w", err)
	}
	return out, nil
}
