package voice

import (
	"context"
	"encoding/binary"
	"math"
	"strings"

	"github.com/emodiary/talk/internal/audio"
)

// MockTranscriber returns a fixed transcript for any non-empty upload.
type MockTranscriber struct {
	Text string
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{Text: "simulated voice input"}
}

func (t *MockTranscriber) Name() string { return "mock" }

func (t *MockTranscriber) Transcribe(ctx context.Context, payload audio.Payload, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if payload.Empty() || strings.TrimSpace(t.Text) == "" {
		return "", ErrNoSpeech
	}
	return t.Text, nil
}

// MockSynthesizer renders a short tone as WAV so clients can exercise playback offline.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Name() string { return "mock" }

func (s *MockSynthesizer) Synthesize(ctx context.Context, text, _ string) ([]byte, audio.Format, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	const (
		sampleRate = audio.DefaultSampleRate
		freq       = 440.0
	)
	// Scale the tone with the reply length, capped at one second.
	samples := sampleRate / 4
	if n := len(text) * 200; n > samples {
		samples = n
	}
	if samples > sampleRate {
		samples = sampleRate
	}
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(0.2 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate, 1)
	if err != nil {
		return nil, "", err
	}
	return wav, audio.FormatWAV, nil
}
