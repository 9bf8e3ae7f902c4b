package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/auth"
	"github.com/emodiary/talk/internal/chatapi"
	"github.com/emodiary/talk/internal/companion"
	"github.com/emodiary/talk/internal/config"
	"github.com/emodiary/talk/internal/conversation"
	"github.com/emodiary/talk/internal/feed"
	"github.com/emodiary/talk/internal/protocol"
	"github.com/emodiary/talk/internal/store"
)

// tokenVerifier maps tokens to user ids.
type tokenVerifier map[string]string

func (v tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", auth.ErrUnauthorized
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := feed.NewHub(16, nil, nil)
	svc, err := companion.NewService(companion.ServiceConfig{
		Store:     store.NewInMemoryStore(),
		Responder: companion.NewMockResponder(),
		Publisher: hub,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	cfg := config.Defaults()
	cfg.MaxAudioBytes = 1 << 20
	srv := New(cfg, svc, hub, tokenVerifier{"tok-a": "user-a", "tok-b": "user-b"}, nil, nil, Providers{Store: "memory", Brain: "mock"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, ts *httptest.Server, token string) *chatapi.Client {
	t.Helper()
	c, err := chatapi.NewClient(chatapi.Config{BaseURL: ts.URL, TokenSource: chatapi.StaticToken(token), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se *chatapi.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *chatapi.StatusError", err)
	}
	return se.StatusCode
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status = %v, want ok", payload["status"])
	}
}

func TestChatRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Post(ts.URL+"/api/chat/session", "application/json", strings.NewReader(`{"language":"en"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	_, err = newClient(t, ts, "wrong").StartSession(context.Background(), "en")
	if got := statusOf(t, err); got != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", got, http.StatusUnauthorized)
	}
}

func TestStartSessionReturnsCreated(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/session", bytes.NewReader([]byte(`{"language":"hi"}`)))
	req.Header.Set("Authorization", "Bearer tok-a")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created chatapi.StartSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID == "" || created.Greeting != companion.Greeting("hi") || created.Language != "hi" {
		t.Fatalf("unexpected response: %+v", created)
	}
}

func TestStartSessionBodies(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		body string
		want int
	}{
		{"", http.StatusCreated},
		{`{"language":"hi"}`, http.StatusCreated},
		{`{"language":"hi"`, http.StatusBadRequest},
		{`{"language":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/session", strings.NewReader(tc.body))
		req.Header.Set("Authorization", "Bearer tok-a")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %q error = %v", tc.body, err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("POST %q status = %d, want %d", tc.body, res.StatusCode, tc.want)
		}
	}
}

func TestTextExchangeAndTranscript(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newClient(t, ts, "tok-a")

	started, err := c.StartSession(ctx, "en")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	reply, err := c.SendMessage(ctx, chatapi.MessageRequest{Message: "hello", SessionID: started.SessionID, Language: "en"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if reply.Response == "" || reply.SessionID != started.SessionID {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	msgs, err := c.Messages(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hello" || msgs[2].Content != reply.Response {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}

	_, err = c.SendMessage(ctx, chatapi.MessageRequest{Message: "   ", SessionID: started.SessionID})
	if got := statusOf(t, err); got != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want %d", got, http.StatusBadRequest)
	}
}

func TestForeignSessionsAreHidden(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	owner := newClient(t, ts, "tok-a")
	other := newClient(t, ts, "tok-b")

	started, err := owner.StartSession(ctx, "en")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	_, err = other.SendMessage(ctx, chatapi.MessageRequest{Message: "hi", SessionID: started.SessionID})
	var se *chatapi.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound || se.Detail != "Session not found or not owned by user" {
		t.Fatalf("foreign send error = %v, want 404", err)
	}

	msgs, err := other.Messages(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("foreign transcript = %+v, want empty", msgs)
	}

	_, err = other.EndSession(ctx, started.SessionID)
	if got := statusOf(t, err); got != http.StatusNotFound {
		t.Fatalf("foreign end status = %d, want %d", got, http.StatusNotFound)
	}
}

func TestVoiceExchange(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newClient(t, ts, "tok-a")

	started, err := c.StartSession(ctx, "en")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, 3200), audio.DefaultSampleRate, 1)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}

	res, err := c.SendVoice(ctx, started.SessionID, "en", audio.Payload{Data: wav, Format: audio.FormatWAV})
	if err != nil {
		t.Fatalf("SendVoice() error = %v", err)
	}
	if res.UserTranscript != "simulated voice input" || res.AIResponse == "" || res.AIAudio == "" {
		t.Fatalf("unexpected voice response: %+v", res)
	}
	if _, _, err := audio.DecodeBase64Audio(res.AIAudio); err != nil {
		t.Fatalf("ai_audio is not decodable: %v", err)
	}
}

func TestVoiceRejectsOversizedUpload(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newClient(t, ts, "tok-a")

	started, err := c.StartSession(ctx, "en")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	_, err = c.SendVoice(ctx, started.SessionID, "en", audio.Payload{Data: make([]byte, 2<<20), Format: audio.FormatWebM})
	if got := statusOf(t, err); got != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", got, http.StatusRequestEntityTooLarge)
	}
}

func TestEndSession(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newClient(t, ts, "tok-a")

	started, err := c.StartSession(ctx, "en")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	ended, err := c.EndSession(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.Status != "ended" || ended.DurationS < 0 {
		t.Fatalf("unexpected end response: %+v", ended)
	}

	_, err = c.SendMessage(ctx, chatapi.MessageRequest{Message: "hello", SessionID: started.SessionID})
	if got := statusOf(t, err); got != http.StatusConflict {
		t.Fatalf("send after end status = %d, want %d", got, http.StatusConflict)
	}

	_, err = c.EndSession(ctx, "missing")
	if got := statusOf(t, err); got != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", got, http.StatusNotFound)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/chat/session/"+started.SessionID, nil)
	req.Header.Set("Authorization", "Bearer tok-a")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestConversationManagerAgainstServer(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	m := conversation.NewManager(conversation.Config{
		API:    newClient(t, ts, "tok-a"),
		Player: audio.NopPlayer{},
	})

	started, err := m.Start(ctx, conversation.LanguageEnglish)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if started.Greeting != companion.Greeting("en") {
		t.Fatalf("greeting = %q", started.Greeting)
	}
	if _, err := m.SendText(ctx, "hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	snap := m.Snapshot()
	if snap.State != conversation.StateActive || len(snap.Messages) != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := m.End(ctx); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	snap = m.Snapshot()
	if snap.State != conversation.StateIdle || snap.SessionID != "" || len(snap.Messages) != 0 {
		t.Fatalf("snapshot after end = %+v", snap)
	}
}

func TestStreamFeed(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := newClient(t, ts, "tok-a")

	started, err := c.StartSession(ctx, "en")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/session/" + started.SessionID + "/stream?access_token=tok-a"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readType := func() map[string]any {
		t.Helper()
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return ev
	}

	if ev := readType(); ev["type"] != string(protocol.TypeSessionReady) {
		t.Fatalf("first event = %+v, want session_ready", ev)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionPing, TSMs: 7}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if ev := readType(); ev["type"] != string(protocol.TypePong) {
		t.Fatalf("ping answer = %+v, want pong", ev)
	}

	if _, err := c.SendMessage(ctx, chatapi.MessageRequest{Message: "hello", SessionID: started.SessionID}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	user := readType()
	assistant := readType()
	if user["type"] != string(protocol.TypeMessageAppended) || user["role"] != "user" || user["content"] != "hello" {
		t.Fatalf("user event = %+v", user)
	}
	if assistant["role"] != "assistant" {
		t.Fatalf("assistant event = %+v", assistant)
	}

	if _, err := c.EndSession(ctx, started.SessionID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ev := readType(); ev["type"] != string(protocol.TypeSessionEnded) {
		t.Fatalf("final event = %+v, want session_ended", ev)
	}
}

func TestStreamRejectsForeignSession(t *testing.T) {
	ts := newTestServer(t)
	started, err := newClient(t, ts, "tok-a").StartSession(context.Background(), "en")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/session/" + started.SessionID + "/stream?access_token=tok-b"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("Dial() succeeded for a foreign session")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", res)
	}
}
