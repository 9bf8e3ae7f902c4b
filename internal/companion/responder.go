package companion

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Turn is one prior message of the conversation handed to the model.
type Turn struct {
	Role    string
	Content string
}

// ReplyRequest carries the session language and the recent history, ending
// with the user message to answer.
type ReplyRequest struct {
	SessionID string
	Language  string
	History   []Turn
}

// Responder generates the companion's reply.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
	Name() string
}

// Config controls responder construction.
type Config struct {
	Mode        string // auto|openai|mock
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *zap.SugaredLogger
}

func NewResponder(cfg Config) (Responder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIResponder(cfg), nil
		}
		return NewMockResponder(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("api key is required for openai responder")
		}
		return NewOpenAIResponder(cfg), nil
	case "mock":
		return NewMockResponder(), nil
	default:
		return nil, fmt.Errorf("unsupported responder mode %q", cfg.Mode)
	}
}
