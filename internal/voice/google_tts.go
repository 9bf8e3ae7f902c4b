package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gctts "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/audio"
)

// GoogleVoice selects a Cloud Text-to-Speech voice for one language.
type GoogleVoice struct {
	LanguageCode string
	Name         string
}

// GoogleSynthesizer renders MP3 replies with Google Cloud Text-to-Speech.
// Credentials come from GOOGLE_APPLICATION_CREDENTIALS.
type GoogleSynthesizer struct {
	client       *gctts.Client
	voices       map[string]GoogleVoice
	speakingRate float64
	logger       *zap.SugaredLogger
}

// DefaultGoogleVoices maps session languages to voices.
func DefaultGoogleVoices(english, hindi string) map[string]GoogleVoice {
	if english == "" {
		english = "en-US-Chirp3-HD-Zephyr"
	}
	if hindi == "" {
		hindi = "hi-IN-Chirp3-HD-Zephyr"
	}
	return map[string]GoogleVoice{
		"en": {LanguageCode: "en-US", Name: english},
		"hi": {LanguageCode: "hi-IN", Name: hindi},
	}
}

func NewGoogleSynthesizer(ctx context.Context, voices map[string]GoogleVoice, speakingRate float64, logger *zap.SugaredLogger) (*GoogleSynthesizer, error) {
	client, err := gctts.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google tts client: %w", err)
	}
	if speakingRate <= 0 {
		speakingRate = 0.9
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GoogleSynthesizer{client: client, voices: voices, speakingRate: speakingRate, logger: logger}, nil
}

func (s *GoogleSynthesizer) Name() string { return "google" }

func (s *GoogleSynthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, audio.Format, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", errors.New("google tts: empty text")
	}
	v, ok := s.voices[language]
	if !ok {
		v = s.voices["en"]
	}

	req := &ttspb.SynthesizeSpeechRequest{
		Input: &ttspb.SynthesisInput{InputSource: &ttspb.SynthesisInput_Text{Text: text}},
		Voice: &ttspb.VoiceSelectionParams{
			LanguageCode: v.LanguageCode,
			Name:         v.Name,
		},
		AudioConfig: &ttspb.AudioConfig{
			AudioEncoding: ttspb.AudioEncoding_MP3,
			SpeakingRate:  s.speakingRate,
		},
	}
	started := time.Now()
	resp, err := s.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		return nil, "", err
	}
	s.logger.Infow("Google TTS synthesize completed", "voice", v.Name, "took", time.Since(started).String())
	return resp.GetAudioContent(), audio.FormatMP3, nil
}

func (s *GoogleSynthesizer) Close() error {
	return s.client.Close()
}
