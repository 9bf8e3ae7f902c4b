package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/auth"
	"github.com/emodiary/talk/internal/companion"
	"github.com/emodiary/talk/internal/config"
	"github.com/emodiary/talk/internal/feed"
	"github.com/emodiary/talk/internal/httpapi"
	"github.com/emodiary/talk/internal/observability"
	"github.com/emodiary/talk/internal/session"
	"github.com/emodiary/talk/internal/store"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Chat      *companion.Service
	Sessions  *session.Registry
	Feed      *feed.Hub
	Metrics   *observability.Metrics
	Providers httpapi.Providers

	// Cleanup should be called on shutdown to release external resources (DB, TTS client).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	chatStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("chat store init failed: %w", err)
	}

	responder, err := companion.NewResponder(companion.Config{
		Mode:        cfg.Brain.Provider,
		APIKey:      cfg.Brain.APIKey,
		BaseURL:     cfg.Brain.BaseURL,
		Model:       cfg.Brain.ChatModel,
		MaxTokens:   cfg.Brain.MaxTokens,
		Temperature: cfg.Brain.Temperature,
		Logger:      logger,
	})
	if err != nil {
		_ = chatStore.Close()
		return nil, fmt.Errorf("responder init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(ctx, cfg, logger)
	if err != nil {
		_ = chatStore.Close()
		return nil, err
	}

	verifier, authMode, err := buildVerifier(cfg)
	if err != nil {
		_ = chatStore.Close()
		return nil, err
	}

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout)
	hub := feed.NewHub(0, metrics, logger)

	chat, err := companion.NewService(companion.ServiceConfig{
		Store:          chatStore,
		Registry:       sessions,
		Responder:      responder,
		Transcriber:    voiceSetup.transcriber,
		Synthesizer:    voiceSetup.synthesizer,
		Publisher:      hub,
		Metrics:        metrics,
		Logger:         logger,
		HistoryLimit:   cfg.Brain.HistoryLimit,
		TextReplyAudio: cfg.Speech.TextReplyAudio,
	})
	if err != nil {
		_ = chatStore.Close()
		return nil, err
	}

	providers := httpapi.Providers{
		Store:       storeMode(cfg.DatabaseURL),
		Brain:       responder.Name(),
		Transcriber: voiceSetup.transcriber.Name(),
		Synthesizer: voiceSetup.synthesizer.Name(),
		Auth:        authMode,
	}
	api := httpapi.New(cfg, chat, hub, verifier, metrics, logger, providers)

	cleanup := func() error {
		var errs []string
		if voiceSetup.cleanup != nil {
			if err := voiceSetup.cleanup(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := chatStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	logger.Infow("companion service assembled",
		"store", providers.Store,
		"brain", providers.Brain,
		"voice", voiceSetup.detail,
		"auth", authMode,
	)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Chat:      chat,
		Sessions:  sessions,
		Feed:      hub,
		Metrics:   metrics,
		Providers: providers,
		Cleanup:   cleanup,
	}, nil
}

func buildVerifier(cfg config.Config) (auth.Verifier, string, error) {
	switch cfg.Auth.Mode {
	case "supabase":
		v, err := auth.NewSupabaseVerifier(cfg.Auth.SupabaseURL, cfg.Auth.SupabaseServiceKey, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			return nil, "", fmt.Errorf("supabase auth init failed: %w", err)
		}
		return v, "supabase", nil
	default:
		return auth.StaticVerifier{Token: cfg.Auth.StaticToken, UserID: cfg.Auth.StaticUserID}, "static", nil
	}
}

func storeMode(databaseURL string) string {
	u := strings.ToLower(strings.TrimSpace(databaseURL))
	switch {
	case u == "":
		return "memory"
	case strings.HasPrefix(u, "sqlite"):
		return "sqlite"
	default:
		return "postgres"
	}
}
