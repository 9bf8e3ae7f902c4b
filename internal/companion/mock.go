package companion

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MockResponder provides deterministic local replies when no model is configured.
type MockResponder struct{}

func NewMockResponder() *MockResponder { return &MockResponder{} }

func (r *MockResponder) Name() string { return "mock" }

func (r *MockResponder) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	last := ""
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == "user" {
			last = strings.TrimSpace(req.History[i].Content)
			break
		}
	}
	if utf8.RuneCountInString(last) > 80 {
		last = string([]rune(last)[:80]) + "…"
	}
	if req.Language == "hi" {
		return fmt.Sprintf("आपने कहा: %q. इसके बारे में और बताइए?", last), nil
	}
	return fmt.Sprintf("You said: %q. How does that make you feel?", last), nil
}
