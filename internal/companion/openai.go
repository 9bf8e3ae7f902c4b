package companion

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.groq.com/openai/v1"
	defaultModel   = "llama-3.3-70b-versatile"
)

var errEmptyCompletion = errors.New("model returned no choices")

// OpenAIResponder asks an OpenAI-compatible chat completions endpoint
// (Groq by default) for the reply.
type OpenAIResponder struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *zap.SugaredLogger
}

func NewOpenAIResponder(cfg Config) *OpenAIResponder {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OpenAIResponder{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(baseURL),
		),
		model:       model,
		maxTokens:   int64(maxTokens),
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

func (r *OpenAIResponder) Name() string { return "openai" }

func (r *OpenAIResponder) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(r.model),
		Messages:    BuildMessages(req),
		MaxTokens:   openai.Int(r.maxTokens),
		Temperature: openai.Float(r.temperature),
	}

	started := time.Now()
	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	r.logger.Infow("chat completion done",
		"session_id", req.SessionID,
		"model", r.model,
		"took", time.Since(started).String(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// BuildMessages prepends the language's system prompt to the history.
func BuildMessages(req ReplyRequest) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	msgs = append(msgs, openai.SystemMessage(SystemPrompt(req.Language)))
	for _, t := range req.History {
		switch t.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		case "user":
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}
