package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModeText is the mode of sessions created without one.
const ModeText = "text"

// ChatSession is one persisted companion conversation.
type ChatSession struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Mode      string     `json:"mode"`
	Language  string     `json:"language"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	DurationS *int64     `json:"duration_s,omitempty"`
}

// Ended reports whether the session has been closed.
func (s ChatSession) Ended() bool { return s.EndedAt != nil }

// Message stores a single user or assistant chat message.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists chat sessions and their transcripts. Session lookups are
// scoped to the owning user; a session owned by someone else is ErrNotFound.
type Store interface {
	CreateSession(ctx context.Context, s ChatSession) (ChatSession, error)
	GetSession(ctx context.Context, userID, sessionID string) (ChatSession, error)
	// EndSession closes the session at the given time. Ending an already
	// ended session returns it unchanged.
	EndSession(ctx context.Context, userID, sessionID string, at time.Time) (ChatSession, error)
	AppendMessage(ctx context.Context, m Message) (Message, error)
	// RecentMessages returns up to limit newest messages in chronological order.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	Close() error
}

func durationSeconds(started, ended time.Time) int64 {
	d := ended.Sub(started)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
