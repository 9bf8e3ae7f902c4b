package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the companion chat service and
// the talk client.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE"`
	LogLevel                 string        `env:"APP_LOG_LEVEL"`
	LogFile                  string        `env:"APP_LOG_FILE"`
	MaxAudioBytes            int64         `env:"APP_MAX_AUDIO_BYTES"`
	// AllowAnyOrigin disables the same-origin check on websocket upgrades.
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN"`

	Auth   AuthConfig
	Brain  BrainConfig
	Speech SpeechConfig
	Client ClientConfig

	// DatabaseURL selects the store: empty is in-memory, postgres:// uses
	// pgx and sqlite://path uses sqlite.
	DatabaseURL string `env:"DATABASE_URL"`
}

type AuthConfig struct {
	Mode               string `env:"AUTH_MODE"` // static|supabase
	StaticToken        string `env:"AUTH_STATIC_TOKEN"`
	StaticUserID       string `env:"AUTH_STATIC_USER_ID"`
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_KEY"`
}

type BrainConfig struct {
	Provider           string  `env:"BRAIN_PROVIDER"` // auto|openai|mock
	APIKey             string  `env:"LLM_API_KEY"`
	GroqAPIKey         string  `env:"GROQ_API_KEY"`
	BaseURL            string  `env:"LLM_BASE_URL"`
	ChatModel          string  `env:"CHAT_MODEL"`
	TranscriptionModel string  `env:"TRANSCRIPTION_MODEL"`
	HistoryLimit       int     `env:"HISTORY_LIMIT"`
	MaxTokens          int     `env:"MAX_TOKENS"`
	Temperature        float64 `env:"TEMPERATURE"`
}

type SpeechConfig struct {
	Provider         string  `env:"TTS_PROVIDER"` // auto|google|mock
	CredentialsPath  string  `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	SpeakingRate     float64 `env:"TTS_SPEAKING_RATE"`
	TextReplyAudio   bool    `env:"TEXT_REPLY_AUDIO"`
	EnglishVoiceName string  `env:"TTS_VOICE_EN"`
	HindiVoiceName   string  `env:"TTS_VOICE_HI"`
}

// ClientConfig configures cmd/talk.
type ClientConfig struct {
	APIURL         string        `env:"COMPANION_API_URL"`
	Token          string        `env:"COMPANION_API_TOKEN"`
	Language       string        `env:"COMPANION_LANGUAGE"`
	RequestTimeout time.Duration `env:"COMPANION_REQUEST_TIMEOUT"`
	RecordCommand  string        `env:"COMPANION_RECORD_COMMAND"`
}

// Defaults returns the configuration before .env and the environment are applied.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8000",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		MetricsNamespace:         "emodiary",
		LogLevel:                 "info",
		MaxAudioBytes:            25 << 20,
		Auth: AuthConfig{
			Mode:         "static",
			StaticToken:  "dev-token",
			StaticUserID: "local-user",
		},
		Brain: BrainConfig{
			Provider:           "auto",
			BaseURL:            "https://api.groq.com/openai/v1",
			ChatModel:          "llama-3.3-70b-versatile",
			TranscriptionModel: "whisper-large-v3",
			HistoryLimit:       20,
			MaxTokens:          300,
			Temperature:        0.8,
		},
		Speech: SpeechConfig{
			Provider:         "auto",
			SpeakingRate:     0.9,
			EnglishVoiceName: "en-US-Chirp3-HD-Zephyr",
			HindiVoiceName:   "hi-IN-Chirp3-HD-Zephyr",
		},
		Client: ClientConfig{
			APIURL:         "http://localhost:8000",
			Token:          "dev-token",
			Language:       "en",
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Load reads .env (when present) and environment variables over Defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	c.Brain.Provider = strings.ToLower(strings.TrimSpace(c.Brain.Provider))
	c.Speech.Provider = strings.ToLower(strings.TrimSpace(c.Speech.Provider))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.Auth.SupabaseURL = strings.TrimRight(strings.TrimSpace(c.Auth.SupabaseURL), "/")
	if strings.TrimSpace(c.Brain.APIKey) == "" {
		c.Brain.APIKey = strings.TrimSpace(c.Brain.GroqAPIKey)
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.MaxAudioBytes <= 0 {
		return fmt.Errorf("APP_MAX_AUDIO_BYTES must be positive")
	}
	switch c.Auth.Mode {
	case "static":
		if strings.TrimSpace(c.Auth.StaticToken) == "" {
			return fmt.Errorf("AUTH_STATIC_TOKEN is required when AUTH_MODE=static")
		}
	case "supabase":
		if c.Auth.SupabaseURL == "" || strings.TrimSpace(c.Auth.SupabaseServiceKey) == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when AUTH_MODE=supabase")
		}
		if _, err := url.Parse(c.Auth.SupabaseURL); err != nil {
			return fmt.Errorf("SUPABASE_URL parse error: %w", err)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be static or supabase, got %q", c.Auth.Mode)
	}
	switch c.Brain.Provider {
	case "auto", "mock":
	case "openai":
		if c.Brain.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required when BRAIN_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("BRAIN_PROVIDER must be auto, openai or mock, got %q", c.Brain.Provider)
	}
	if c.Brain.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.Brain.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be positive")
	}
	if c.Brain.Temperature < 0 || c.Brain.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be within [0, 2]")
	}
	switch c.Speech.Provider {
	case "auto", "google", "mock":
	default:
		return fmt.Errorf("TTS_PROVIDER must be auto, google or mock, got %q", c.Speech.Provider)
	}
	if c.Speech.SpeakingRate < 0.25 || c.Speech.SpeakingRate > 4 {
		return fmt.Errorf("TTS_SPEAKING_RATE must be within [0.25, 4]")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("COMPANION_REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// UseOpenAIBrain reports whether replies come from the OpenAI-compatible API.
func (c Config) UseOpenAIBrain() bool {
	switch c.Brain.Provider {
	case "openai":
		return true
	case "auto":
		return c.Brain.APIKey != ""
	default:
		return false
	}
}

// UseGoogleSpeech reports whether speech is synthesized with Google Cloud.
func (c Config) UseGoogleSpeech() bool {
	switch c.Speech.Provider {
	case "google":
		return true
	case "auto":
		return strings.TrimSpace(c.Speech.CredentialsPath) != ""
	default:
		return false
	}
}
