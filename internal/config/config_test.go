package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8000")
	}
	if cfg.Brain.BaseURL != "https://api.groq.com/openai/v1" {
		t.Fatalf("Brain.BaseURL = %q", cfg.Brain.BaseURL)
	}
	if cfg.Brain.HistoryLimit != 20 || cfg.Brain.MaxTokens != 300 {
		t.Fatalf("brain defaults = %+v", cfg.Brain)
	}
	if cfg.UseOpenAIBrain() {
		t.Fatalf("UseOpenAIBrain() = true without an API key")
	}
	if cfg.UseGoogleSpeech() {
		t.Fatalf("UseGoogleSpeech() = true without credentials")
	}
	if cfg.Client.RequestTimeout != 30*time.Second {
		t.Fatalf("Client.RequestTimeout = %v, want 30s", cfg.Client.RequestTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("HISTORY_LIMIT", "8")
	t.Setenv("COMPANION_LANGUAGE", "hi")
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.Brain.APIKey != "gsk-test" || !cfg.UseOpenAIBrain() {
		t.Fatalf("GROQ_API_KEY fallback not applied: %+v", cfg.Brain)
	}
	if cfg.Brain.HistoryLimit != 8 {
		t.Fatalf("HistoryLimit = %d, want 8", cfg.Brain.HistoryLimit)
	}
	if cfg.Client.Language != "hi" {
		t.Fatalf("Client.Language = %q, want hi", cfg.Client.Language)
	}
	if cfg.SessionInactivityTimeout != 90*time.Second {
		t.Fatalf("SessionInactivityTimeout = %v, want 90s", cfg.SessionInactivityTimeout)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"AUTH_MODE":                      "ldap",
		"BRAIN_PROVIDER":                 "anthropic",
		"TTS_PROVIDER":                   "polly",
		"TEMPERATURE":                    "3",
	}
	for key, value := range cases {
		clearEnv(t)
		t.Setenv(key, value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%s expected error", key, value)
		}
	}
}

func TestSupabaseModeRequiresCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_MODE", "supabase")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error without supabase credentials")
	}
	t.Setenv("SUPABASE_URL", "https://project.supabase.co/")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.SupabaseURL != "https://project.supabase.co" {
		t.Fatalf("SupabaseURL = %q", cfg.Auth.SupabaseURL)
	}
}

// clearEnv unsets every variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FILE",
		"APP_MAX_AUDIO_BYTES",
		"AUTH_MODE",
		"AUTH_STATIC_TOKEN",
		"AUTH_STATIC_USER_ID",
		"SUPABASE_URL",
		"SUPABASE_SERVICE_KEY",
		"DATABASE_URL",
		"BRAIN_PROVIDER",
		"LLM_API_KEY",
		"GROQ_API_KEY",
		"LLM_BASE_URL",
		"CHAT_MODEL",
		"TRANSCRIPTION_MODEL",
		"HISTORY_LIMIT",
		"MAX_TOKENS",
		"TEMPERATURE",
		"TTS_PROVIDER",
		"GOOGLE_APPLICATION_CREDENTIALS",
		"TTS_SPEAKING_RATE",
		"TEXT_REPLY_AUDIO",
		"TTS_VOICE_EN",
		"TTS_VOICE_HI",
		"COMPANION_API_URL",
		"COMPANION_API_TOKEN",
		"COMPANION_LANGUAGE",
		"COMPANION_REQUEST_TIMEOUT",
		"COMPANION_RECORD_COMMAND",
	}
	for _, key := range keys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("Unsetenv(%s) error = %v", key, err)
		}
	}
}
