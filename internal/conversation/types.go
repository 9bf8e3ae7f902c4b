package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/chatapi"
)

type Language string

const (
	LanguageEnglish Language = "en"
	LanguageHindi   Language = "hi"
)

func (l Language) Valid() bool {
	return l == LanguageEnglish || l == LanguageHindi
}

func ParseLanguage(raw string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(raw)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, raw)
	}
	return l, nil
}

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnding   State = "ending"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Snapshot is a read-only copy of the manager's session state.
type Snapshot struct {
	State      State
	SessionID  string
	Language   Language
	Messages   []Message
	Processing bool
	Capturing  bool
}

type StartResult struct {
	SessionID string
	Greeting  string
}

type VoiceReply struct {
	Transcript string
	Reply      string
}

// API is the chat backend the manager drives. *chatapi.Client satisfies it.
type API interface {
	StartSession(ctx context.Context, language string) (chatapi.StartSessionResponse, error)
	SendMessage(ctx context.Context, req chatapi.MessageRequest) (chatapi.MessageResponse, error)
	SendVoice(ctx context.Context, sessionID, language string, payload audio.Payload) (chatapi.VoiceResponse, error)
	EndSession(ctx context.Context, sessionID string) (chatapi.EndSessionResponse, error)
}
