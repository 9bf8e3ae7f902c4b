package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/config"
	"github.com/emodiary/talk/internal/voice"
)

type voiceSetup struct {
	transcriber voice.Transcriber
	synthesizer voice.Synthesizer
	detail      string
	cleanup     func() error
}

func resolveVoiceProviders(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (voiceSetup, error) {
	setup := voiceSetup{}

	if cfg.UseOpenAIBrain() {
		setup.transcriber = voice.NewOpenAITranscriber(cfg.Brain.APIKey, cfg.Brain.BaseURL, cfg.Brain.TranscriptionModel, logger)
	} else {
		setup.transcriber = voice.NewMockTranscriber()
	}

	if cfg.UseGoogleSpeech() {
		g, err := voice.NewGoogleSynthesizer(ctx,
			voice.DefaultGoogleVoices(cfg.Speech.EnglishVoiceName, cfg.Speech.HindiVoiceName),
			cfg.Speech.SpeakingRate,
			logger,
		)
		switch {
		case err == nil:
			setup.synthesizer = g
			setup.cleanup = g.Close
		case cfg.Speech.Provider == "google":
			return voiceSetup{}, fmt.Errorf("google tts init failed: %w", err)
		default:
			logger.Warnw("google tts unavailable, using mock speech", "error", err)
		}
	}
	if setup.synthesizer == nil {
		setup.synthesizer = voice.NewMockSynthesizer()
	}

	setup.detail = fmt.Sprintf("%s stt + %s tts", setup.transcriber.Name(), setup.synthesizer.Name())
	return setup, nil
}
