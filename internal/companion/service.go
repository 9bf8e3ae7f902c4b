package companion

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/observability"
	"github.com/emodiary/talk/internal/policy"
	"github.com/emodiary/talk/internal/session"
	"github.com/emodiary/talk/internal/store"
	"github.com/emodiary/talk/internal/voice"
)

var (
	ErrSessionNotFound     = errors.New("session not found or not owned by user")
	ErrSessionEnded        = errors.New("session has ended")
	ErrBusy                = session.ErrBusy
	ErrEmptyMessage        = errors.New("message must not be empty")
	ErrEmptyAudio          = errors.New("audio upload is empty")
	ErrEmptyTranscript     = errors.New("could not transcribe audio")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrTranscription       = errors.New("transcription failed")
)

// Publisher receives stored messages and session closures for live subscribers.
type Publisher interface {
	PublishMessage(m store.Message)
	PublishSessionEnded(s store.ChatSession)
}

type nopPublisher struct{}

func (nopPublisher) PublishMessage(store.Message)         {}
func (nopPublisher) PublishSessionEnded(store.ChatSession) {}

// TextReply is the outcome of one text exchange.
type TextReply struct {
	Response    string
	AudioBase64 string
}

// VoiceReply is the outcome of one voice exchange.
type VoiceReply struct {
	Transcript  string
	Response    string
	AudioBase64 string
	Language    string
}

type ServiceConfig struct {
	Store       store.Store
	Registry    *session.Registry
	Responder   Responder
	Transcriber voice.Transcriber
	Synthesizer voice.Synthesizer
	Publisher   Publisher
	Metrics     *observability.Metrics
	Logger      *zap.SugaredLogger
	// HistoryLimit bounds the messages handed to the model, newest last.
	HistoryLimit int
	// TextReplyAudio also synthesizes audio for text exchanges.
	TextReplyAudio bool
}

// Service implements the companion chat backend: sessions, exchanges and
// transcripts, scoped to the authenticated user.
type Service struct {
	store          store.Store
	registry       *session.Registry
	responder      Responder
	transcriber    voice.Transcriber
	synthesizer    voice.Synthesizer
	publisher      Publisher
	metrics        *observability.Metrics
	logger         *zap.SugaredLogger
	historyLimit   int
	textReplyAudio bool
	now            func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry(0)
	}
	if cfg.Transcriber == nil {
		cfg.Transcriber = voice.NewMockTranscriber()
	}
	if cfg.Synthesizer == nil {
		cfg.Synthesizer = voice.NewMockSynthesizer()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	s := &Service{
		store:          cfg.Store,
		registry:       cfg.Registry,
		responder:      cfg.Responder,
		transcriber:    cfg.Transcriber,
		synthesizer:    cfg.Synthesizer,
		publisher:      cfg.Publisher,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		historyLimit:   cfg.HistoryLimit,
		textReplyAudio: cfg.TextReplyAudio,
		now:            func() time.Time { return time.Now().UTC() },
	}
	s.registry.SetExpireHook(s.expire)
	return s, nil
}

// StartSession opens a session for userID and stores the greeting as its
// first assistant message.
func (s *Service) StartSession(ctx context.Context, userID, language string) (store.ChatSession, string, error) {
	if language == "" {
		language = "en"
	}
	if !SupportedLanguage(language) {
		return store.ChatSession{}, "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	cs, err := s.store.CreateSession(ctx, store.ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Mode:      store.ModeText,
		Language:  language,
		StartedAt: s.now(),
	})
	if err != nil {
		return store.ChatSession{}, "", fmt.Errorf("create session: %w", err)
	}
	greeting := Greeting(language)
	if _, err := s.appendMessage(ctx, cs.ID, store.RoleAssistant, greeting); err != nil {
		return store.ChatSession{}, "", err
	}

	s.registry.Track(cs.ID, userID, language, cs.StartedAt)
	s.metrics.SessionOpened()
	s.logger.Infow("session started", "session_id", cs.ID, "user_id", userID, "language", language)
	return cs, greeting, nil
}

// SendMessage runs one text exchange in the session's language.
func (s *Service) SendMessage(ctx context.Context, userID, sessionID, language, message string) (TextReply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return TextReply{}, ErrEmptyMessage
	}
	cs, exchangeID, err := s.beginExchange(ctx, userID, sessionID)
	if err != nil {
		return TextReply{}, err
	}
	defer s.registry.FinishExchange(sessionID, exchangeID)
	language = resolveLanguage(language, cs.Language)

	started := time.Now()
	reply, err := s.respond(ctx, sessionID, language, message)
	if err != nil {
		s.metrics.ObserveExchange(observability.SideServer, "text", "error", time.Since(started))
		return TextReply{}, err
	}

	out := TextReply{Response: reply}
	if s.textReplyAudio {
		out.AudioBase64 = s.synthesize(ctx, sessionID, reply, language)
	}
	s.metrics.ObserveExchange(observability.SideServer, "text", "ok", time.Since(started))
	return out, nil
}

// SendVoice transcribes payload and answers it like a text message. Nothing
// is stored when the recording yields no transcript.
func (s *Service) SendVoice(ctx context.Context, userID, sessionID, language string, payload audio.Payload) (VoiceReply, error) {
	if payload.Empty() {
		return VoiceReply{}, ErrEmptyAudio
	}
	cs, exchangeID, err := s.beginExchange(ctx, userID, sessionID)
	if err != nil {
		return VoiceReply{}, err
	}
	defer s.registry.FinishExchange(sessionID, exchangeID)
	language = resolveLanguage(language, cs.Language)

	started := time.Now()
	transcript, err := s.transcriber.Transcribe(ctx, payload, language)
	switch {
	case errors.Is(err, voice.ErrNoSpeech):
		s.metrics.ObserveExchange(observability.SideServer, "voice", "no_speech", time.Since(started))
		return VoiceReply{}, ErrEmptyTranscript
	case err != nil:
		s.metrics.ProviderError(s.transcriber.Name(), "transcribe")
		s.metrics.ObserveExchange(observability.SideServer, "voice", "error", time.Since(started))
		s.logger.Errorw("transcription failed", "session_id", sessionID, "provider", s.transcriber.Name(), "error", err)
		return VoiceReply{}, fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return VoiceReply{}, ErrEmptyTranscript
	}

	reply, err := s.respond(ctx, sessionID, language, transcript)
	if err != nil {
		s.metrics.ObserveExchange(observability.SideServer, "voice", "error", time.Since(started))
		return VoiceReply{}, err
	}
	out := VoiceReply{
		Transcript:  transcript,
		Response:    reply,
		AudioBase64: s.synthesize(ctx, sessionID, reply, language),
		Language:    language,
	}
	s.metrics.ObserveExchange(observability.SideServer, "voice", "ok", time.Since(started))
	return out, nil
}

// EndSession closes the session and reports its duration.
func (s *Service) EndSession(ctx context.Context, userID, sessionID string) (store.ChatSession, error) {
	cs, err := s.store.EndSession(ctx, userID, sessionID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return store.ChatSession{}, ErrSessionNotFound
	}
	if err != nil {
		return store.ChatSession{}, fmt.Errorf("end session: %w", err)
	}
	s.closeLive(sessionID, "ended")
	s.publisher.PublishSessionEnded(cs)
	s.logger.Infow("session ended", "session_id", sessionID, "user_id", userID, "duration_s", derefInt64(cs.DurationS))
	return cs, nil
}

// Messages returns the stored transcript. Sessions the user does not own
// yield an empty transcript rather than an error.
func (s *Service) Messages(ctx context.Context, userID, sessionID string) ([]store.Message, error) {
	if _, err := s.store.GetSession(ctx, userID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []store.Message{}, nil
		}
		return nil, err
	}
	return s.store.Messages(ctx, sessionID)
}

// Authorize reports whether userID owns sessionID.
func (s *Service) Authorize(ctx context.Context, userID, sessionID string) (store.ChatSession, error) {
	cs, err := s.store.GetSession(ctx, userID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ChatSession{}, ErrSessionNotFound
	}
	return cs, err
}

// KeepAlive marks the live session as active, e.g. while a client watches its feed.
func (s *Service) KeepAlive(sessionID string) {
	_ = s.registry.Touch(sessionID)
}

func (s *Service) beginExchange(ctx context.Context, userID, sessionID string) (store.ChatSession, string, error) {
	cs, err := s.Authorize(ctx, userID, sessionID)
	if err != nil {
		return store.ChatSession{}, "", err
	}
	if cs.Ended() {
		return store.ChatSession{}, "", ErrSessionEnded
	}
	if _, err := s.registry.Get(sessionID); errors.Is(err, session.ErrNotFound) {
		// Open in the store but unknown here, e.g. after a restart.
		s.registry.Track(cs.ID, cs.UserID, cs.Language, cs.StartedAt)
		s.metrics.SessionOpened()
		s.metrics.SessionEvent("resumed")
	}
	exchangeID, err := s.registry.BeginExchange(sessionID)
	switch {
	case errors.Is(err, session.ErrEnded):
		return store.ChatSession{}, "", ErrSessionEnded
	case err != nil:
		return store.ChatSession{}, "", err
	}
	return cs, exchangeID, nil
}

// respond stores the user message and the companion's answer to it.
func (s *Service) respond(ctx context.Context, sessionID, language, message string) (string, error) {
	if _, err := s.appendMessage(ctx, sessionID, store.RoleUser, message); err != nil {
		return "", err
	}

	var reply string
	if policy.IsPromptInjection(message) {
		s.logger.Warnw("prompt injection blocked", "session_id", sessionID, "message", policy.ForLog(message))
		s.metrics.SessionEvent("injection_blocked")
		reply = Refusal(language)
	} else {
		reply = s.generate(ctx, sessionID, language)
	}

	if _, err := s.appendMessage(ctx, sessionID, store.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

func (s *Service) generate(ctx context.Context, sessionID, language string) string {
	recent, err := s.store.RecentMessages(ctx, sessionID, s.historyLimit)
	if err != nil {
		s.logger.Errorw("load history failed", "session_id", sessionID, "error", err)
		return Fallback(language)
	}
	history := make([]Turn, 0, len(recent))
	for _, m := range recent {
		history = append(history, Turn{Role: m.Role, Content: m.Content})
	}

	reply, err := s.responder.Reply(ctx, ReplyRequest{SessionID: sessionID, Language: language, History: history})
	if err == nil {
		reply = strings.TrimSpace(reply)
	}
	if err != nil || reply == "" {
		s.metrics.ProviderError(s.responder.Name(), "reply")
		s.logger.Errorw("reply generation failed", "session_id", sessionID, "provider", s.responder.Name(), "error", err)
		return Fallback(language)
	}
	return reply
}

// synthesize returns base64 reply audio, or "" when synthesis fails.
func (s *Service) synthesize(ctx context.Context, sessionID, text, language string) string {
	data, _, err := s.synthesizer.Synthesize(ctx, text, language)
	if err != nil {
		s.metrics.ProviderError(s.synthesizer.Name(), "synthesize")
		s.logger.Warnw("speech synthesis failed", "session_id", sessionID, "provider", s.synthesizer.Name(), "error", err)
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func (s *Service) appendMessage(ctx context.Context, sessionID, role, content string) (store.Message, error) {
	m, err := s.store.AppendMessage(ctx, store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("save %s message: %w", role, err)
	}
	s.publisher.PublishMessage(m)
	return m, nil
}

func (s *Service) closeLive(sessionID, event string) {
	prev, err := s.registry.Get(sessionID)
	if err != nil {
		return
	}
	if _, err := s.registry.End(sessionID); err != nil {
		return
	}
	if prev.Status == session.StatusActive {
		s.metrics.SessionClosed(event)
	}
}

// expire ends sessions the registry found idle.
func (s *Service) expire(live *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.metrics.SessionClosed("expired")
	cs, err := s.store.EndSession(ctx, live.UserID, live.ID, s.now())
	if err != nil {
		s.logger.Warnw("end expired session failed", "session_id", live.ID, "error", err)
		return
	}
	s.publisher.PublishSessionEnded(cs)
	s.logger.Infow("session expired", "session_id", live.ID, "idle_since", live.LastActivityAt)
}

// resolveLanguage prefers the language the session was started in; the
// request's language only fills in for sessions stored without one.
func resolveLanguage(requested, sessionLanguage string) string {
	if SupportedLanguage(sessionLanguage) {
		return sessionLanguage
	}
	if SupportedLanguage(requested) {
		return requested
	}
	return "en"
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
