package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/emodiary/talk/internal/auth"
	"github.com/emodiary/talk/internal/protocol"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedReadTimeout  = 120 * time.Second
	feedPingInterval = 30 * time.Second
)

// handleStream serves the live transcript of one session over a websocket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	sessionID := chi.URLParam(r, "id")

	cs, err := s.chat.Authorize(r.Context(), userID, sessionID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("feed_connected")
	defer s.metrics.SessionEvent("feed_disconnected")

	ready := protocol.SessionReady{Type: protocol.TypeSessionReady, SessionID: cs.ID, Language: cs.Language}
	if err := writeFeed(conn, ready); err != nil {
		return
	}
	if cs.Ended() {
		var d int64
		if cs.DurationS != nil {
			d = *cs.DurationS
		}
		_ = writeFeed(conn, protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: cs.ID, DurationS: d})
		closeFeed(conn, "session ended")
		return
	}

	sub, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		defer conn.Close()
		ping := time.NewTicker(feedPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					if sub.Dropped() {
						_ = writeFeed(conn, protocol.ErrorEvent{
							Type:      protocol.TypeErrorEvent,
							SessionID: sessionID,
							Code:      "slow_consumer",
							Retryable: true,
							Detail:    "feed fell behind; reconnect and replay",
						})
					}
					closeFeed(conn, "feed closed")
					return
				}
				if err := writeFeed(conn, ev); err != nil {
					return
				}
			case msg := <-replies:
				if err := writeFeed(conn, msg); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueue(replies, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		switch control.Action {
		case protocol.ActionPing:
			s.chat.KeepAlive(sessionID)
			s.enqueue(replies, protocol.Pong{Type: protocol.TypePong, TSMs: control.TSMs})
		case protocol.ActionReplay:
			s.replay(ctx, replies, userID, sessionID)
		}
	}

	cancel()
	<-writerDone
}

// replay queues the stored transcript so a reconnecting client can catch up.
func (s *Server) replay(ctx context.Context, replies chan<- any, userID, sessionID string) {
	msgs, err := s.chat.Messages(ctx, userID, sessionID)
	if err != nil {
		s.enqueue(replies, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "replay_failed",
			Retryable: true,
			Detail:    "could not load transcript",
		})
		return
	}
	for _, m := range msgs {
		select {
		case <-ctx.Done():
			return
		case replies <- protocol.MessageAppended{
			Type:      protocol.TypeMessageAppended,
			SessionID: sessionID,
			MessageID: m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}:
		}
	}
}

// enqueue keeps websocket writes on the writer goroutine; replies are dropped
// when its queue is saturated.
func (s *Server) enqueue(replies chan<- any, msg any) {
	select {
	case replies <- msg:
	default:
		s.logger.Warnw("feed reply queue full, dropping reply")
	}
}

func writeFeed(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return conn.WriteJSON(v)
}

func closeFeed(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(feedWriteTimeout))
}
