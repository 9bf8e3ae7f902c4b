package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/chatapi"
)

type fakeAPI struct {
	mu sync.Mutex

	startResp chatapi.StartSessionResponse
	startErr  error
	startGate chan struct{}

	msgResp chatapi.MessageResponse
	msgErr  error
	msgGate chan struct{}

	voiceResp chatapi.VoiceResponse
	voiceErr  error
	voiceGate chan struct{}

	endErr error

	startCalls atomic.Int32
	msgCalls   atomic.Int32
	voiceCalls atomic.Int32
	endCalls   atomic.Int32
	endedIDs   []string
	lastMsg    chatapi.MessageRequest
	lastVoice  audio.Payload
}

func (f *fakeAPI) StartSession(ctx context.Context, language string) (chatapi.StartSessionResponse, error) {
	f.startCalls.Add(1)
	if f.startGate != nil {
		select {
		case <-f.startGate:
		case <-ctx.Done():
			return chatapi.StartSessionResponse{}, ctx.Err()
		}
	}
	return f.startResp, f.startErr
}

func (f *fakeAPI) SendMessage(ctx context.Context, req chatapi.MessageRequest) (chatapi.MessageResponse, error) {
	f.msgCalls.Add(1)
	f.mu.Lock()
	f.lastMsg = req
	f.mu.Unlock()
	if f.msgGate != nil {
		select {
		case <-f.msgGate:
		case <-ctx.Done():
			return chatapi.MessageResponse{}, ctx.Err()
		}
	}
	return f.msgResp, f.msgErr
}

func (f *fakeAPI) SendVoice(ctx context.Context, sessionID, language string, payload audio.Payload) (chatapi.VoiceResponse, error) {
	f.voiceCalls.Add(1)
	f.mu.Lock()
	f.lastVoice = payload
	f.mu.Unlock()
	if f.voiceGate != nil {
		select {
		case <-f.voiceGate:
		case <-ctx.Done():
			return chatapi.VoiceResponse{}, ctx.Err()
		}
	}
	return f.voiceResp, f.voiceErr
}

func (f *fakeAPI) EndSession(ctx context.Context, sessionID string) (chatapi.EndSessionResponse, error) {
	f.endCalls.Add(1)
	f.mu.Lock()
	f.endedIDs = append(f.endedIDs, sessionID)
	f.mu.Unlock()
	if f.endErr != nil {
		return chatapi.EndSessionResponse{}, f.endErr
	}
	return chatapi.EndSessionResponse{Status: "ended"}, nil
}

type recordingPlayer struct {
	played chan audio.Format
	err    error
}

func (p *recordingPlayer) Play(ctx context.Context, format audio.Format, r io.Reader) error {
	_, _ = io.Copy(io.Discard, r)
	p.played <- format
	return p.err
}

type pipeMic struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	opened atomic.Int32
	closed atomic.Bool
	err    error
}

func newPipeMic() *pipeMic {
	r, w := io.Pipe()
	return &pipeMic{r: r, w: w}
}

func (m *pipeMic) Format() audio.StreamFormat {
	return audio.StreamFormat{Format: audio.FormatPCM, SampleRate: 16000, Channels: 1}
}

func (m *pipeMic) Open(context.Context) (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.opened.Add(1)
	return m, nil
}

func (m *pipeMic) Read(b []byte) (int, error) { return m.r.Read(b) }

func (m *pipeMic) Close() error {
	m.closed.Store(true)
	return m.r.Close()
}

func activeManager(t *testing.T, api *fakeAPI, opts ...func(*Config)) *Manager {
	t.Helper()
	if api.startResp.SessionID == "" {
		api.startResp = chatapi.StartSessionResponse{SessionID: "s1", Greeting: "hi"}
	}
	cfg := Config{API: api, RequestTimeout: time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	m := NewManager(cfg)
	_, err := m.Start(context.Background(), LanguageEnglish)
	require.NoError(t, err)
	return m
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestStartSuccess(t *testing.T) {
	api := &fakeAPI{startResp: chatapi.StartSessionResponse{SessionID: "s1", Greeting: "hi"}}
	m := NewManager(Config{API: api})

	res, err := m.Start(context.Background(), LanguageEnglish)
	require.NoError(t, err)
	assert.Equal(t, StartResult{SessionID: "s1", Greeting: "hi"}, res)

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, LanguageEnglish, snap.Language)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, RoleAssistant, snap.Messages[0].Role)
	assert.Equal(t, "hi", snap.Messages[0].Content)
}

func TestStartFailureLeavesIdle(t *testing.T) {
	api := &fakeAPI{startErr: &chatapi.StatusError{StatusCode: http.StatusInternalServerError, Detail: "boom"}}
	m := NewManager(Config{API: api})

	_, err := m.Start(context.Background(), LanguageEnglish)
	require.Error(t, err)
	assert.Equal(t, KindBackend, KindOf(err))
	assert.True(t, Recoverable(err))

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.SessionID)
	assert.Empty(t, snap.Messages)
}

func TestStartTransportFailureAndMissingID(t *testing.T) {
	api := &fakeAPI{startErr: errors.New("connection refused")}
	m := NewManager(Config{API: api})
	_, err := m.Start(context.Background(), LanguageHindi)
	assert.Equal(t, KindTransport, KindOf(err))

	api.startErr = nil
	api.startResp = chatapi.StartSessionResponse{Greeting: "hello"}
	_, err = m.Start(context.Background(), LanguageHindi)
	assert.Equal(t, KindBackend, KindOf(err))
	assert.ErrorIs(t, err, ErrMissingSessionID)
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestStartPreconditions(t *testing.T) {
	api := &fakeAPI{}
	m := activeManager(t, api)

	_, err := m.Start(context.Background(), LanguageEnglish)
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, KindPrecondition, KindOf(err))

	_, err = NewManager(Config{API: api}).Start(context.Background(), Language("fr"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	assert.Equal(t, int32(1), api.startCalls.Load())
}

func TestSendTextSerialization(t *testing.T) {
	api := &fakeAPI{msgGate: make(chan struct{}), msgResp: chatapi.MessageResponse{Response: "reply-a"}}
	m := activeManager(t, api)

	done := make(chan error, 1)
	go func() {
		_, err := m.SendText(context.Background(), "a")
		done <- err
	}()
	waitUntil(t, func() bool { return api.msgCalls.Load() == 1 })
	assert.True(t, m.Snapshot().Processing)

	_, err := m.SendText(context.Background(), "b")
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, KindPrecondition, KindOf(err))
	_, err = m.SendVoice(context.Background(), audio.Payload{Data: []byte("x"), Format: audio.FormatWAV})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, int32(1), api.msgCalls.Load())
	assert.Equal(t, int32(0), api.voiceCalls.Load())

	close(api.msgGate)
	require.NoError(t, <-done)

	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[1].Content)
	assert.Equal(t, "reply-a", msgs[2].Content)
	assert.False(t, m.Snapshot().Processing)
}

func TestSendTextRoundTrip(t *testing.T) {
	api := &fakeAPI{msgResp: chatapi.MessageResponse{Response: "reply"}}
	m := activeManager(t, api)

	reply, err := m.SendText(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)
	assert.Equal(t, chatapi.MessageRequest{Message: "hello", SessionID: "s1", Language: "en"}, api.lastMsg)

	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{Role: RoleUser, Content: "hello"}, stripTime(msgs[1]))
	assert.Equal(t, Message{Role: RoleAssistant, Content: "reply"}, stripTime(msgs[2]))
}

func TestSendTextFailureKeepsOptimisticMessage(t *testing.T) {
	api := &fakeAPI{msgErr: errors.New("dial tcp: connection refused")}
	m := activeManager(t, api)

	_, err := m.SendText(context.Background(), "hello")
	assert.Equal(t, KindTransport, KindOf(err))

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hello", snap.Messages[1].Content)
	assert.False(t, snap.Processing)
}

func TestSendTextPreconditions(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(Config{API: api})
	_, err := m.SendText(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoSession)

	m = activeManager(t, api)
	_, err = m.SendText(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, int32(0), api.msgCalls.Load())
}

func TestSendTextTimeoutIsFailure(t *testing.T) {
	api := &fakeAPI{msgGate: make(chan struct{})}
	m := activeManager(t, api, func(c *Config) { c.RequestTimeout = 30 * time.Millisecond })

	_, err := m.SendText(context.Background(), "hello")
	assert.Equal(t, KindTransport, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateActive, m.Snapshot().State)
	assert.False(t, m.Snapshot().Processing)
}

func TestVoiceRoundTrip(t *testing.T) {
	api := &fakeAPI{voiceResp: chatapi.VoiceResponse{UserTranscript: "t", AIResponse: "r"}}
	m := activeManager(t, api)

	reply, err := m.SendVoice(context.Background(), audio.Payload{Data: []byte("RIFF"), Format: audio.FormatWAV})
	require.NoError(t, err)
	assert.Equal(t, VoiceReply{Transcript: "t", Reply: "r"}, reply)

	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{Role: RoleUser, Content: "t"}, stripTime(msgs[1]))
	assert.Equal(t, Message{Role: RoleAssistant, Content: "r"}, stripTime(msgs[2]))
}

func TestVoiceAppendsNothingUntilReply(t *testing.T) {
	api := &fakeAPI{voiceGate: make(chan struct{}), voiceResp: chatapi.VoiceResponse{UserTranscript: "t", AIResponse: "r"}}
	m := activeManager(t, api)

	done := make(chan error, 1)
	go func() {
		_, err := m.SendVoice(context.Background(), audio.Payload{Data: []byte("RIFF"), Format: audio.FormatWAV})
		done <- err
	}()
	waitUntil(t, func() bool { return api.voiceCalls.Load() == 1 })

	snap := m.Snapshot()
	assert.True(t, snap.Processing)
	assert.Len(t, snap.Messages, 1)

	close(api.voiceGate)
	require.NoError(t, <-done)
	assert.Len(t, m.Snapshot().Messages, 3)
	assert.False(t, m.Snapshot().Processing)
}

func TestVoiceReplyAfterEndDropped(t *testing.T) {
	api := &fakeAPI{voiceGate: make(chan struct{}), voiceResp: chatapi.VoiceResponse{UserTranscript: "t", AIResponse: "late"}}
	m := activeManager(t, api)

	done := make(chan error, 1)
	go func() {
		_, err := m.SendVoice(context.Background(), audio.Payload{Data: []byte("RIFF"), Format: audio.FormatWAV})
		done <- err
	}()
	waitUntil(t, func() bool { return api.voiceCalls.Load() == 1 })

	require.NoError(t, m.End(context.Background()))
	close(api.voiceGate)
	err := <-done
	assert.Equal(t, KindDiscarded, KindOf(err))

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Processing)
}

func TestVoiceFailureAppendsNothing(t *testing.T) {
	api := &fakeAPI{voiceErr: &chatapi.StatusError{StatusCode: http.StatusBadRequest, Detail: "Could not transcribe audio"}}
	m := activeManager(t, api)

	_, err := m.SendVoice(context.Background(), audio.Payload{Data: []byte("RIFF"), Format: audio.FormatWAV})
	assert.Equal(t, KindBackend, KindOf(err))
	assert.Len(t, m.Snapshot().Messages, 1)

	_, err = m.SendVoice(context.Background(), audio.Payload{})
	assert.ErrorIs(t, err, ErrEmptyAudio)
	assert.Equal(t, int32(1), api.voiceCalls.Load())
}

func TestEndAlwaysResets(t *testing.T) {
	for _, endErr := range []error{nil, errors.New("network down")} {
		api := &fakeAPI{endErr: endErr}
		m := activeManager(t, api)

		err := m.End(context.Background())
		if endErr == nil {
			require.NoError(t, err)
		} else {
			assert.Equal(t, KindTransport, KindOf(err))
		}

		snap := m.Snapshot()
		assert.Equal(t, StateIdle, snap.State)
		assert.Empty(t, snap.SessionID)
		assert.Empty(t, snap.Messages)
		assert.Equal(t, []string{"s1"}, api.endedIDs)
	}
}

func TestEndWhenIdleIsNoop(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(Config{API: api})
	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, int32(0), api.endCalls.Load())
}

func TestStaleResponseDropped(t *testing.T) {
	api := &fakeAPI{msgGate: make(chan struct{}), msgResp: chatapi.MessageResponse{Response: "late"}}
	m := activeManager(t, api)

	done := make(chan error, 1)
	go func() {
		_, err := m.SendText(context.Background(), "hello")
		done <- err
	}()
	waitUntil(t, func() bool { return api.msgCalls.Load() == 1 })

	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, StateIdle, m.Snapshot().State)

	// A fresh session must not inherit the late reply either.
	api.startResp = chatapi.StartSessionResponse{SessionID: "s2", Greeting: "welcome back"}
	_, err := m.Start(context.Background(), LanguageEnglish)
	require.NoError(t, err)

	close(api.msgGate)
	err = <-done
	assert.Equal(t, KindDiscarded, KindOf(err))

	snap := m.Snapshot()
	assert.Equal(t, "s2", snap.SessionID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "welcome back", snap.Messages[0].Content)
	assert.False(t, snap.Processing)
}

func TestEndDuringStartDropsSession(t *testing.T) {
	api := &fakeAPI{
		startGate: make(chan struct{}),
		startResp: chatapi.StartSessionResponse{SessionID: "orphan", Greeting: "hi"},
	}
	m := NewManager(Config{API: api})

	done := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), LanguageEnglish)
		done <- err
	}()
	waitUntil(t, func() bool { return m.Snapshot().State == StateStarting })

	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, StateIdle, m.Snapshot().State)
	assert.Equal(t, int32(0), api.endCalls.Load())

	close(api.startGate)
	err := <-done
	assert.Equal(t, KindDiscarded, KindOf(err))
	assert.Equal(t, StateIdle, m.Snapshot().State)
	assert.Equal(t, []string{"orphan"}, api.endedIDs)
}

func TestPlaybackIsFireAndForget(t *testing.T) {
	clip := base64.StdEncoding.EncodeToString([]byte("ID3\x04\x00clip"))
	api := &fakeAPI{msgResp: chatapi.MessageResponse{Response: "reply", AudioBase64: clip}}
	player := &recordingPlayer{played: make(chan audio.Format, 1), err: errors.New("no output device")}
	m := activeManager(t, api, func(c *Config) { c.Player = player })

	reply, err := m.SendText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)

	select {
	case f := <-player.played:
		assert.Equal(t, audio.FormatMP3, f)
	case <-time.After(2 * time.Second):
		t.Fatalf("reply audio was not played")
	}
}

func TestUndecodableAudioDoesNotFailExchange(t *testing.T) {
	api := &fakeAPI{voiceResp: chatapi.VoiceResponse{UserTranscript: "t", AIResponse: "r", AIAudio: "%%%"}}
	m := activeManager(t, api)
	_, err := m.SendVoice(context.Background(), audio.Payload{Data: []byte("RIFF"), Format: audio.FormatWAV})
	require.NoError(t, err)
	assert.Len(t, m.Snapshot().Messages, 3)
}

func TestCaptureRoundTrip(t *testing.T) {
	mic := newPipeMic()
	api := &fakeAPI{voiceResp: chatapi.VoiceResponse{UserTranscript: "t", AIResponse: "r"}}
	m := activeManager(t, api, func(c *Config) { c.Microphone = mic })

	require.NoError(t, m.StartCapture(context.Background()))
	assert.True(t, m.Snapshot().Capturing)

	err := m.StartCapture(context.Background())
	assert.ErrorIs(t, err, ErrCaptureActive)
	assert.Equal(t, int32(1), mic.opened.Load())

	_, err = mic.w.Write([]byte{0, 1, 2, 3})
	require.NoError(t, err)

	reply, err := m.StopCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r", reply.Reply)
	assert.True(t, mic.closed.Load())
	assert.False(t, m.Snapshot().Capturing)
	assert.Equal(t, audio.FormatWAV, api.lastVoice.Format)
	assert.Len(t, api.lastVoice.Data, 44+4)

	_, err = m.StopCapture(context.Background())
	assert.ErrorIs(t, err, ErrNoCapture)
}

func TestStopCaptureWhileTextInFlightKeepsRecording(t *testing.T) {
	mic := newPipeMic()
	api := &fakeAPI{
		msgGate:   make(chan struct{}),
		msgResp:   chatapi.MessageResponse{Response: "reply"},
		voiceResp: chatapi.VoiceResponse{UserTranscript: "t", AIResponse: "r"},
	}
	m := activeManager(t, api, func(c *Config) { c.Microphone = mic })

	require.NoError(t, m.StartCapture(context.Background()))
	_, err := mic.w.Write([]byte{0, 1, 2, 3})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.SendText(context.Background(), "hello")
		done <- err
	}()
	waitUntil(t, func() bool { return api.msgCalls.Load() == 1 })

	_, err = m.StopCapture(context.Background())
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, KindPrecondition, KindOf(err))
	assert.True(t, m.Snapshot().Capturing)
	assert.False(t, mic.closed.Load())

	close(api.msgGate)
	require.NoError(t, <-done)

	reply, err := m.StopCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r", reply.Reply)
	assert.Equal(t, int32(1), api.voiceCalls.Load())
	assert.Len(t, api.lastVoice.Data, 44+4)
	assert.Len(t, m.Snapshot().Messages, 5)
}

func TestStopCaptureEmptyBuffer(t *testing.T) {
	mic := newPipeMic()
	api := &fakeAPI{}
	m := activeManager(t, api, func(c *Config) { c.Microphone = mic })

	require.NoError(t, m.StartCapture(context.Background()))
	_, err := m.StopCapture(context.Background())
	assert.ErrorIs(t, err, ErrEmptyAudio)
	assert.True(t, mic.closed.Load())
	assert.Equal(t, int32(0), api.voiceCalls.Load())
}

func TestCapturePermissionDenied(t *testing.T) {
	mic := newPipeMic()
	mic.err = errors.New("device busy")
	m := activeManager(t, &fakeAPI{}, func(c *Config) { c.Microphone = mic })

	err := m.StartCapture(context.Background())
	assert.Equal(t, KindPermission, KindOf(err))
	assert.ErrorIs(t, err, audio.ErrPermission)
	assert.False(t, m.Snapshot().Capturing)
	assert.Equal(t, StateActive, m.Snapshot().State)

	m = activeManager(t, &fakeAPI{})
	assert.Equal(t, KindPermission, KindOf(m.StartCapture(context.Background())))
}

func TestEndReleasesMicrophone(t *testing.T) {
	mic := newPipeMic()
	m := activeManager(t, &fakeAPI{}, func(c *Config) { c.Microphone = mic })

	require.NoError(t, m.StartCapture(context.Background()))
	require.NoError(t, m.End(context.Background()))
	assert.True(t, mic.closed.Load())
	assert.False(t, m.Snapshot().Capturing)
}

func TestCancelCapture(t *testing.T) {
	mic := newPipeMic()
	api := &fakeAPI{}
	m := activeManager(t, api, func(c *Config) { c.Microphone = mic })

	require.NoError(t, m.StartCapture(context.Background()))
	require.NoError(t, m.CancelCapture())
	assert.True(t, mic.closed.Load())
	assert.Equal(t, int32(0), api.voiceCalls.Load())
	assert.ErrorIs(t, m.CancelCapture(), ErrNoCapture)
}

func TestSnapshotIsCopy(t *testing.T) {
	m := activeManager(t, &fakeAPI{})
	snap := m.Snapshot()
	snap.Messages[0].Content = "mutated"
	assert.Equal(t, "hi", m.Snapshot().Messages[0].Content)
}

func TestParseLanguage(t *testing.T) {
	l, err := ParseLanguage(" HI ")
	require.NoError(t, err)
	assert.Equal(t, LanguageHindi, l)
	_, err = ParseLanguage("de")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func stripTime(m Message) Message {
	m.CreatedAt = time.Time{}
	return m
}
