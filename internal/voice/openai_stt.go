package voice

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/audio"
)

// OpenAITranscriber uses an OpenAI-compatible transcription endpoint
// (Groq Whisper by default).
type OpenAITranscriber struct {
	client openai.Client
	model  string
	logger *zap.SugaredLogger
}

func NewOpenAITranscriber(apiKey, baseURL, model string, logger *zap.SugaredLogger) *OpenAITranscriber {
	if strings.TrimSpace(model) == "" {
		model = "whisper-large-v3"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OpenAITranscriber{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger,
	}
}

func (t *OpenAITranscriber) Name() string { return "openai" }

func (t *OpenAITranscriber) Transcribe(ctx context.Context, payload audio.Payload, language string) (string, error) {
	if payload.Empty() {
		return "", ErrNoSpeech
	}
	params := openai.AudioTranscriptionNewParams{
		File:        openai.File(bytes.NewReader(payload.Data), payload.Name(), payload.ContentType()),
		Model:       openai.AudioModel(t.model),
		Temperature: openai.Float(0),
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	started := time.Now()
	res, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	t.logger.Infow("transcription done", "model", t.model, "bytes", len(payload.Data), "took", time.Since(started).String())
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
