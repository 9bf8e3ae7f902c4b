package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/chatapi"
	"github.com/emodiary/talk/internal/observability"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultEndTimeout      = 10 * time.Second
	defaultPlaybackTimeout = 2 * time.Minute
)

type Config struct {
	API            API
	Player         audio.Player
	Microphone     audio.Microphone
	Logger         *zap.SugaredLogger
	Metrics        *observability.Metrics
	RequestTimeout time.Duration
	EndTimeout     time.Duration
}

// Manager owns one conversation at a time: its lifecycle, the exchange log,
// the microphone capture and reply playback. All methods are safe for
// concurrent use; network calls never run under the lock.
type Manager struct {
	api            API
	player         audio.Player
	mic            audio.Microphone
	logger         *zap.SugaredLogger
	metrics        *observability.Metrics
	requestTimeout time.Duration
	endTimeout     time.Duration
	now            func() time.Time

	mu        sync.Mutex
	state     State
	sessionID string
	language  Language
	messages  []Message
	// epoch changes whenever a session starts or ends; responses carry the
	// epoch of their dispatch and are dropped when it no longer matches.
	epoch     uint64
	inFlight  bool
	capturing bool
	recorder  *audio.Recorder
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		api:            cfg.API,
		player:         cfg.Player,
		mic:            cfg.Microphone,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		requestTimeout: cfg.RequestTimeout,
		endTimeout:     cfg.EndTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		state:          StateIdle,
	}
	if m.player == nil {
		m.player = audio.NopPlayer{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop().Sugar()
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = defaultRequestTimeout
	}
	if m.endTimeout <= 0 {
		m.endTimeout = defaultEndTimeout
	}
	return m
}

// Snapshot returns a deep copy of the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return Snapshot{
		State:      m.state,
		SessionID:  m.sessionID,
		Language:   m.language,
		Messages:   msgs,
		Processing: m.inFlight,
		Capturing:  m.capturing,
	}
}

// Start opens a backend session and seeds the log with its greeting.
func (m *Manager) Start(ctx context.Context, lang Language) (StartResult, error) {
	const op = "start"
	if !lang.Valid() {
		return StartResult{}, precondition(op, ErrUnsupportedLanguage)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return StartResult{}, precondition(op, ErrSessionActive)
	}
	m.state = StateStarting
	m.language = lang
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	began := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	resp, err := m.api.StartSession(callCtx, string(lang))
	cancel()
	if err == nil && strings.TrimSpace(resp.SessionID) == "" {
		err = ErrMissingSessionID
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateStarting {
		m.mu.Unlock()
		m.logger.Infow("start response dropped after end", "session_id", resp.SessionID)
		m.metrics.ObserveExchange(observability.SideClient, "start", "discarded", time.Since(began))
		if err == nil {
			m.endOrphan(resp.SessionID)
		}
		return StartResult{}, discarded(op)
	}
	if err != nil {
		m.state = StateIdle
		m.language = ""
		m.mu.Unlock()
		m.logger.Warnw("could not start conversation", "language", lang, "error", err)
		m.metrics.SessionEvent("start_failed")
		m.metrics.ObserveExchange(observability.SideClient, "start", "error", time.Since(began))
		return StartResult{}, classify(op, err)
	}
	m.state = StateActive
	m.sessionID = resp.SessionID
	m.messages = []Message{{Role: RoleAssistant, Content: resp.Greeting, CreatedAt: m.now()}}
	m.mu.Unlock()

	m.logger.Infow("conversation started", "session_id", resp.SessionID, "language", lang)
	m.metrics.SessionOpened()
	m.metrics.ObserveExchange(observability.SideClient, "start", "ok", time.Since(began))
	return StartResult{SessionID: resp.SessionID, Greeting: resp.Greeting}, nil
}

// SendText appends the user message right away, then the assistant reply
// when it arrives. A failed send leaves the user message in the log.
func (m *Manager) SendText(ctx context.Context, text string) (string, error) {
	const op = "send_text"
	text = strings.TrimSpace(text)
	if text == "" {
		return "", precondition(op, ErrEmptyMessage)
	}

	m.mu.Lock()
	if err := m.reserveExchangeLocked(); err != nil {
		m.mu.Unlock()
		return "", precondition(op, err)
	}
	epoch, sid, lang := m.epoch, m.sessionID, m.language
	m.messages = append(m.messages, Message{Role: RoleUser, Content: text, CreatedAt: m.now()})
	m.mu.Unlock()

	began := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	resp, err := m.api.SendMessage(callCtx, chatapi.MessageRequest{
		Message:   text,
		SessionID: sid,
		Language:  string(lang),
	})
	cancel()

	m.mu.Lock()
	if !m.currentLocked(epoch, sid) {
		m.mu.Unlock()
		m.logger.Infow("late reply dropped", "session_id", sid, "kind", "text")
		m.metrics.ObserveExchange(observability.SideClient, "text", "discarded", time.Since(began))
		return "", discarded(op)
	}
	m.inFlight = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warnw("text exchange failed", "session_id", sid, "error", err)
		m.metrics.ObserveExchange(observability.SideClient, "text", "error", time.Since(began))
		return "", classify(op, err)
	}
	m.messages = append(m.messages, Message{Role: RoleAssistant, Content: resp.Response, CreatedAt: m.now()})
	m.mu.Unlock()

	m.metrics.ObserveExchange(observability.SideClient, "text", "ok", time.Since(began))
	if resp.AudioBase64 != "" {
		m.playDetached(sid, resp.AudioBase64)
	}
	return resp.Response, nil
}

// SendVoice uploads one utterance. Nothing is appended until the transcript
// and reply arrive together.
func (m *Manager) SendVoice(ctx context.Context, payload audio.Payload) (VoiceReply, error) {
	return m.sendVoice(ctx, "send_voice", payload)
}

func (m *Manager) sendVoice(ctx context.Context, op string, payload audio.Payload) (VoiceReply, error) {
	if payload.Empty() {
		return VoiceReply{}, precondition(op, ErrEmptyAudio)
	}

	m.mu.Lock()
	if err := m.reserveExchangeLocked(); err != nil {
		m.mu.Unlock()
		return VoiceReply{}, precondition(op, err)
	}
	x := m.reservationLocked()
	m.mu.Unlock()

	return m.voiceExchange(ctx, op, x, payload)
}

// voiceExchange runs one voice round trip for an already reserved exchange.
func (m *Manager) voiceExchange(ctx context.Context, op string, x reservation, payload audio.Payload) (VoiceReply, error) {
	epoch, sid, lang := x.epoch, x.sessionID, x.language
	began := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	resp, err := m.api.SendVoice(callCtx, sid, string(lang), payload)
	cancel()

	m.mu.Lock()
	if !m.currentLocked(epoch, sid) {
		m.mu.Unlock()
		m.logger.Infow("late reply dropped", "session_id", sid, "kind", "voice")
		m.metrics.ObserveExchange(observability.SideClient, "voice", "discarded", time.Since(began))
		return VoiceReply{}, discarded(op)
	}
	m.inFlight = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warnw("voice exchange failed", "session_id", sid, "bytes", len(payload.Data), "error", err)
		m.metrics.ObserveExchange(observability.SideClient, "voice", "error", time.Since(began))
		return VoiceReply{}, classify(op, err)
	}
	now := m.now()
	m.messages = append(m.messages,
		Message{Role: RoleUser, Content: resp.UserTranscript, CreatedAt: now},
		Message{Role: RoleAssistant, Content: resp.AIResponse, CreatedAt: now},
	)
	m.mu.Unlock()

	m.metrics.ObserveExchange(observability.SideClient, "voice", "ok", time.Since(began))
	if resp.AIAudio != "" {
		m.playDetached(sid, resp.AIAudio)
	}
	return VoiceReply{Transcript: resp.UserTranscript, Reply: resp.AIResponse}, nil
}

// StartCapture acquires the microphone and starts buffering.
func (m *Manager) StartCapture(ctx context.Context) error {
	const op = "start_capture"
	if m.mic == nil {
		return permission(op, audio.ErrPermission)
	}

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return precondition(op, ErrNoSession)
	}
	if m.capturing {
		m.mu.Unlock()
		return precondition(op, ErrCaptureActive)
	}
	m.capturing = true
	epoch := m.epoch
	m.mu.Unlock()

	rec, err := audio.StartRecorder(ctx, m.mic)

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateActive {
		m.mu.Unlock()
		if rec != nil {
			rec.Cancel()
		}
		return discarded(op)
	}
	if err != nil {
		m.capturing = false
		m.mu.Unlock()
		m.logger.Warnw("microphone unavailable", "error", err)
		return permission(op, err)
	}
	m.recorder = rec
	m.mu.Unlock()
	return nil
}

// StopCapture releases the microphone and sends what was captured. While
// another exchange is in flight it fails with ErrInFlight and the capture
// keeps running, so a later StopCapture can still send it.
func (m *Manager) StopCapture(ctx context.Context) (VoiceReply, error) {
	const op = "stop_capture"
	m.mu.Lock()
	rec := m.recorder
	if rec == nil {
		m.mu.Unlock()
		return VoiceReply{}, precondition(op, ErrNoCapture)
	}
	if err := m.reserveExchangeLocked(); err != nil {
		m.mu.Unlock()
		return VoiceReply{}, precondition(op, err)
	}
	m.recorder = nil
	m.capturing = false
	x := m.reservationLocked()
	m.mu.Unlock()

	payload, err := rec.Stop()
	if err == nil && payload.Empty() {
		err = ErrEmptyAudio
	}
	if err != nil {
		m.mu.Lock()
		if m.currentLocked(x.epoch, x.sessionID) {
			m.inFlight = false
		}
		m.mu.Unlock()
		return VoiceReply{}, precondition(op, err)
	}
	return m.voiceExchange(ctx, op, x, payload)
}

// CancelCapture releases the microphone and discards the buffer.
func (m *Manager) CancelCapture() error {
	rec, err := m.takeRecorder("cancel_capture")
	if err != nil {
		return err
	}
	rec.Cancel()
	return nil
}

func (m *Manager) takeRecorder(op string) (*audio.Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recorder
	if rec == nil {
		return nil, precondition(op, ErrNoCapture)
	}
	m.recorder = nil
	m.capturing = false
	return rec, nil
}

// End resets local state right away and then notifies the backend. The
// returned error only reports a failed notification; the manager is Idle
// either way.
func (m *Manager) End(ctx context.Context) error {
	const op = "end"
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnding {
		m.mu.Unlock()
		return nil
	}
	wasActive := m.state == StateActive
	sid := m.sessionID
	rec := m.recorder
	m.epoch++
	m.state = StateEnding
	m.sessionID = ""
	m.language = ""
	m.messages = nil
	m.inFlight = false
	m.capturing = false
	m.recorder = nil
	m.mu.Unlock()

	if rec != nil {
		rec.Cancel()
	}

	var notifyErr error
	if wasActive && sid != "" {
		callCtx, cancel := context.WithTimeout(ctx, m.endTimeout)
		_, notifyErr = m.api.EndSession(callCtx, sid)
		cancel()
	}

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()

	if wasActive {
		m.metrics.SessionClosed("ended")
	} else {
		m.metrics.SessionEvent("start_cancelled")
	}
	if notifyErr != nil {
		m.logger.Warnw("end notification failed", "session_id", sid, "error", notifyErr)
		return classify(op, notifyErr)
	}
	m.logger.Infow("conversation ended", "session_id", sid)
	return nil
}

func (m *Manager) reserveExchangeLocked() error {
	if m.state != StateActive || m.sessionID == "" {
		return ErrNoSession
	}
	if m.inFlight {
		return ErrInFlight
	}
	m.inFlight = true
	return nil
}

// reservation pins the session an exchange was dispatched for.
type reservation struct {
	epoch     uint64
	sessionID string
	language  Language
}

func (m *Manager) reservationLocked() reservation {
	return reservation{epoch: m.epoch, sessionID: m.sessionID, language: m.language}
}

func (m *Manager) currentLocked(epoch uint64, sid string) bool {
	return m.epoch == epoch && m.state == StateActive && m.sessionID == sid
}

// endOrphan closes a session whose start response arrived after End.
func (m *Manager) endOrphan(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.endTimeout)
	defer cancel()
	if _, err := m.api.EndSession(ctx, sid); err != nil {
		m.logger.Warnw("could not end orphaned session", "session_id", sid, "error", err)
	}
}

// playDetached plays reply audio without blocking the exchange. Failures are
// logged and counted only.
func (m *Manager) playDetached(sid, encoded string) {
	data, format, err := audio.DecodeBase64Audio(encoded)
	if err != nil {
		m.logger.Warnw("reply audio undecodable", "session_id", sid, "error", err)
		m.metrics.PlaybackFailed()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPlaybackTimeout)
		defer cancel()
		if err := audio.PlayBytes(ctx, m.player, format, data); err != nil {
			m.logger.Warnw("reply playback failed", "session_id", sid, "format", format, "error", err)
			m.metrics.PlaybackFailed()
		}
	}()
}
