package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/emodiary/talk/internal/audio"
	"github.com/emodiary/talk/internal/reliability"
)

const (
	defaultTimeout  = 60 * time.Second
	maxResponseBody = 32 << 20
)

// StatusError is a non-2xx answer from the companion API.
type StatusError struct {
	StatusCode int
	Detail     string
	Code       string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("chat api status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api status %d: %s", e.StatusCode, e.Detail)
}

// Retryable reports whether a caller-side retry may succeed.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

type Config struct {
	BaseURL     string
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client talks to the companion chat service with a bearer token.
type Client struct {
	baseURL string
	tokens  oauth2.TokenSource
	client  *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("chat api base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, tokens: cfg.TokenSource, client: hc}, nil
}

// StaticToken is a token source for an opaque access token that is never refreshed.
func StaticToken(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

func (c *Client) StartSession(ctx context.Context, language string) (StartSessionResponse, error) {
	var out StartSessionResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/chat/session", StartSessionRequest{Language: language}, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	var out MessageResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/chat/message", req, &out)
	return out, err
}

// SendVoice uploads one utterance as multipart form data.
func (c *Client) SendVoice(ctx context.Context, sessionID, language string, payload audio.Payload) (VoiceResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, VoiceFieldAudio, payload.Name()))
	h.Set("Content-Type", payload.ContentType())
	part, err := mw.CreatePart(h)
	if err != nil {
		return VoiceResponse{}, fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(payload.Data); err != nil {
		return VoiceResponse{}, fmt.Errorf("write audio part: %w", err)
	}
	if err := mw.WriteField(VoiceFieldSessionID, sessionID); err != nil {
		return VoiceResponse{}, fmt.Errorf("write session field: %w", err)
	}
	if err := mw.WriteField(VoiceFieldLanguage, language); err != nil {
		return VoiceResponse{}, fmt.Errorf("write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return VoiceResponse{}, fmt.Errorf("close multipart: %w", err)
	}

	var out VoiceResponse
	err = c.do(ctx, http.MethodPost, "/api/chat/voice", mw.FormDataContentType(), &body, &out)
	return out, err
}

func (c *Client) EndSession(ctx context.Context, sessionID string) (EndSessionResponse, error) {
	var out EndSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/chat/session/"+url.PathEscape(sessionID)+"/end", "", nil, &out)
	return out, err
}

// Messages fetches the stored transcript of a session.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]StoredMessage, error) {
	var out MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/chat/session/"+url.PathEscape(sessionID)+"/messages", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(payload), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("access token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return statusError(res.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(code int, raw []byte) *StatusError {
	se := &StatusError{StatusCode: code}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, k := range []string{"detail", "error", "message"} {
			if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
				se.Detail = strings.TrimSpace(s)
				break
			}
		}
		if s, ok := obj["code"].(string); ok {
			se.Code = s
		}
		return se
	}
	se.Detail = strings.TrimSpace(string(raw))
	return se
}
