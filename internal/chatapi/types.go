package chatapi

import "time"

// Wire types shared by the companion service and its clients.

type StartSessionRequest struct {
	Language string `json:"language"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Greeting  string `json:"greeting"`
	Language  string `json:"language"`
}

type MessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
}

type MessageResponse struct {
	Response    string `json:"response"`
	SessionID   string `json:"session_id"`
	AudioBase64 string `json:"audio_base64,omitempty"`
}

type VoiceResponse struct {
	UserTranscript string `json:"user_transcript"`
	AIResponse     string `json:"ai_response"`
	AIAudio        string `json:"ai_audio,omitempty"`
	SessionID      string `json:"session_id"`
	Language       string `json:"language"`
}

type EndSessionResponse struct {
	Status    string `json:"status"`
	DurationS int64  `json:"duration_s"`
}

type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type MessagesResponse struct {
	Messages []StoredMessage `json:"messages"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

// Multipart field names of the voice endpoint.
const (
	VoiceFieldAudio     = "audio"
	VoiceFieldSessionID = "session_id"
	VoiceFieldLanguage  = "language"
)
