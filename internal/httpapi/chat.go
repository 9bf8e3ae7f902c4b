package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/auth"
	"github.com/emodiary/talk/internal/chatapi"
	"github.com/emodiary/talk/internal/companion"
	"github.com/emodiary/talk/internal/policy"
)

const multipartMemory = 8 << 20

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req chatapi.StartSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	language := strings.TrimSpace(req.Language)

	cs, greeting, err := s.chat.StartSession(r.Context(), userID, language)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, chatapi.StartSessionResponse{
		SessionID: cs.ID,
		Greeting:  greeting,
		Language:  cs.Language,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req chatapi.MessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON message")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}

	reply, err := s.chat.SendMessage(r.Context(), userID, req.SessionID, strings.TrimSpace(req.Language), req.Message)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chatapi.MessageResponse{
		Response:    reply.Response,
		SessionID:   req.SessionID,
		AudioBase64: reply.AudioBase64,
	})
}

func (s *Server) handleSendVoice(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxAudioBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "audio_too_large", "audio upload is too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	sessionID := strings.TrimSpace(r.FormValue(chatapi.VoiceFieldSessionID))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}
	language := strings.TrimSpace(r.FormValue(chatapi.VoiceFieldLanguage))

	file, header, err := r.FormFile(chatapi.VoiceFieldAudio)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_audio", "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxAudioBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}
	if int64(len(data)) > s.cfg.MaxAudioBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "audio_too_large", "audio upload is too large")
		return
	}

	format := audio.FormatFromFilename(header.Filename)
	if format == "" {
		format = audio.SniffFormat(data)
	}
	if format == "" {
		// Browser MediaRecorder uploads default to webm.
		format = audio.FormatWebM
	}

	reply, err := s.chat.SendVoice(r.Context(), userID, sessionID, language, audio.Payload{
		Data:     data,
		Format:   format,
		Filename: header.Filename,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chatapi.VoiceResponse{
		UserTranscript: reply.Transcript,
		AIResponse:     reply.Response,
		AIAudio:        reply.AudioBase64,
		SessionID:      sessionID,
		Language:       reply.Language,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	sessionID := chi.URLParam(r, "id")

	msgs, err := s.chat.Messages(r.Context(), userID, sessionID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	out := chatapi.MessagesResponse{Messages: make([]chatapi.StoredMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, chatapi.StoredMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	sessionID := chi.URLParam(r, "id")
	if strings.TrimSpace(sessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	cs, err := s.chat.EndSession(r.Context(), userID, sessionID)
	if errors.Is(err, companion.ErrSessionNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	var duration int64
	if cs.DurationS != nil {
		duration = *cs.DurationS
	}
	respondJSON(w, http.StatusOK, chatapi.EndSessionResponse{Status: "ended", DurationS: duration})
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, companion.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "Session not found or not owned by user")
	case errors.Is(err, companion.ErrSessionEnded):
		respondError(w, http.StatusConflict, "session_ended", "Session has ended")
	case errors.Is(err, companion.ErrBusy):
		respondError(w, http.StatusConflict, "session_busy", "Still processing the previous message")
	case errors.Is(err, companion.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", "Message must not be empty")
	case errors.Is(err, companion.ErrEmptyAudio):
		respondError(w, http.StatusBadRequest, "empty_audio", "Audio upload is empty")
	case errors.Is(err, companion.ErrEmptyTranscript):
		respondError(w, http.StatusBadRequest, "no_speech", "Could not transcribe audio")
	case errors.Is(err, companion.ErrUnsupportedLanguage):
		respondError(w, http.StatusBadRequest, "unsupported_language", err.Error())
	case errors.Is(err, companion.ErrTranscription):
		respondError(w, http.StatusBadGateway, "transcription_failed", "Voice processing failed")
	default:
		s.logger.Errorw("chat request failed", "error", policy.ForLog(err.Error()))
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
