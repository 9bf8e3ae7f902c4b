package feed

import (
	"sync"

	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/observability"
	"github.com/emodiary/talk/internal/protocol"
	"github.com/emodiary/talk/internal/store"
)

const defaultBuffer = 64

// Subscription receives feed events for one session. C is closed when the
// subscriber is removed, either by its cancel func, by the session ending,
// or because it fell behind.
type Subscription struct {
	SessionID string
	C         <-chan any

	ch      chan any
	dropped bool
}

// Dropped reports whether the subscription was closed for falling behind.
// Only valid after C is closed.
func (s *Subscription) Dropped() bool { return s.dropped }

// Hub fans stored messages out to live transcript subscribers per session.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	metrics *observability.Metrics
	logger  *zap.SugaredLogger
}

func NewHub(buffer int, metrics *observability.Metrics, logger *zap.SugaredLogger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe registers a subscriber for sessionID. The returned func removes
// it and is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (*Subscription, func()) {
	ch := make(chan any, h.buffer)
	sub := &Subscription{SessionID: sessionID, C: ch, ch: ch}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.FeedSubscribed(1)

	return sub, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(sub)
	}
}

// Subscribers returns the number of live subscribers for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) PublishMessage(m store.Message) {
	h.broadcast(m.SessionID, protocol.MessageAppended{
		Type:      protocol.TypeMessageAppended,
		SessionID: m.SessionID,
		MessageID: m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}, false)
}

// PublishSessionEnded notifies subscribers and closes their feeds.
func (h *Hub) PublishSessionEnded(s store.ChatSession) {
	var duration int64
	if s.DurationS != nil {
		duration = *s.DurationS
	}
	h.broadcast(s.ID, protocol.SessionEnded{
		Type:      protocol.TypeSessionEnded,
		SessionID: s.ID,
		DurationS: duration,
	}, true)
}

func (h *Hub) broadcast(sessionID string, event any, final bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- event:
			if final {
				h.removeLocked(sub)
			}
		default:
			h.logger.Warnw("dropping slow feed subscriber", "session_id", sessionID)
			sub.dropped = true
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	set, ok := h.subs[sub.SessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.SessionID)
	}
	close(sub.ch)
	h.metrics.FeedSubscribed(-1)
}
