package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/emodiary/talk/internal/auth"
	"github.com/emodiary/talk/internal/companion"
	"github.com/emodiary/talk/internal/config"
	"github.com/emodiary/talk/internal/feed"
	"github.com/emodiary/talk/internal/observability"
)

// Providers names the backends in use, reported by /healthz.
type Providers struct {
	Store       string `json:"store"`
	Brain       string `json:"brain"`
	Transcriber string `json:"transcriber"`
	Synthesizer string `json:"synthesizer"`
	Auth        string `json:"auth"`
}

type Server struct {
	cfg       config.Config
	chat      *companion.Service
	hub       *feed.Hub
	verifier  auth.Verifier
	metrics   *observability.Metrics
	logger    *zap.SugaredLogger
	providers Providers
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, chat *companion.Service, hub *feed.Hub, verifier auth.Verifier, metrics *observability.Metrics, logger *zap.SugaredLogger, providers Providers) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = feed.NewHub(0, metrics, logger)
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 25 << 20
	}
	return &Server{
		cfg:       cfg,
		chat:      chat,
		hub:       hub,
		verifier:  verifier,
		metrics:   metrics,
		logger:    logger,
		providers: providers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may open the transcript feed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))
		r.Post("/session", s.handleStartSession)
		r.Post("/message", s.handleSendMessage)
		r.Post("/voice", s.handleSendVoice)
		r.Get("/session/{id}/messages", s.handleMessages)
		r.Post("/session/{id}/end", s.handleEndSession)
		r.Delete("/session/{id}", s.handleEndSession)
		r.Get("/session/{id}/stream", s.handleStream)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.providers,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "chat service not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"providers": s.providers,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(started).String(),
		)
	})
}

type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail, Code: code})
}
