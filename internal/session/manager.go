package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session has ended")
	// ErrBusy is returned while another exchange on the same session is running.
	ErrBusy = errors.New("session is still processing the previous message")
)

// Session is the live view of a chat session the service is serving.
type Session struct {
	ID               string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	Language         string    `json:"language"`
	Status           Status    `json:"status"`
	ActiveExchangeID string    `json:"active_exchange_id,omitempty"`
	ExchangeCount    int       `json:"exchange_count"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// Registry tracks live sessions, serializes exchanges per session and
// expires sessions that have been idle for too long.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Track registers a persisted session as live. Tracking an id again revives it.
func (r *Registry) Track(sessionID, userID, language string, startedAt time.Time) *Session {
	now := r.now()
	if startedAt.IsZero() {
		startedAt = now
	}
	s := &Session{
		ID:             sessionID,
		UserID:         userID,
		Language:       language,
		Status:         StatusActive,
		StartedAt:      startedAt,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return clone(s)
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = r.now()
	return nil
}

// BeginExchange reserves the session for one exchange and returns its id.
func (r *Registry) BeginExchange(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	if s.Status != StatusActive {
		return "", ErrEnded
	}
	if s.ActiveExchangeID != "" {
		return "", ErrBusy
	}
	s.ActiveExchangeID = uuid.NewString()
	s.LastActivityAt = r.now()
	return s.ActiveExchangeID, nil
}

// FinishExchange releases the reservation taken by BeginExchange.
func (r *Registry) FinishExchange(sessionID, exchangeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.ActiveExchangeID != exchangeID {
		return
	}
	s.ActiveExchangeID = ""
	s.ExchangeCount++
	s.LastActivityAt = r.now()
}

func (r *Registry) End(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.ActiveExchangeID = ""
	s.LastActivityAt = r.now()
	return clone(s), nil
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (r *Registry) expireInactive() {
	now := r.now()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		idle := now.Sub(s.LastActivityAt)
		if s.Status == StatusEnded {
			// Keep ended entries around for one timeout so late lookups still resolve.
			if idle >= r.inactivityTimeout {
				delete(r.sessions, id)
			}
			continue
		}
		if idle < r.inactivityTimeout || s.ActiveExchangeID != "" {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
