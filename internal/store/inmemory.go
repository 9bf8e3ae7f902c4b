package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps sessions and transcripts in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]ChatSession
	messages map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]ChatSession),
		messages: make(map[string][]Message),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, cs ChatSession) (ChatSession, error) {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	if cs.StartedAt.IsZero() {
		cs.StartedAt = time.Now().UTC()
	}
	if cs.Mode == "" {
		cs.Mode = ModeText
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cs.ID] = cs
	return cs, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, userID, sessionID string) (ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.sessions[sessionID]
	if !ok || cs.UserID != userID {
		return ChatSession{}, ErrNotFound
	}
	return cs, nil
}

func (s *InMemoryStore) EndSession(_ context.Context, userID, sessionID string, at time.Time) (ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[sessionID]
	if !ok || cs.UserID != userID {
		return ChatSession{}, ErrNotFound
	}
	if cs.Ended() {
		return cs, nil
	}
	ended := at.UTC()
	dur := durationSeconds(cs.StartedAt, ended)
	cs.EndedAt = &ended
	cs.DurationS = &dur
	s.sessions[sessionID] = cs
	return cs, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[m.SessionID]; !ok {
		return Message{}, ErrNotFound
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return m, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *InMemoryStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
