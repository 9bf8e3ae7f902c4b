package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnauthorized means the token is missing, malformed or rejected.
	ErrUnauthorized = errors.New("invalid or expired token")
	// ErrUnavailable means the identity provider could not be reached.
	ErrUnavailable = errors.New("auth service unavailable")
)

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// StaticVerifier accepts a single shared token, for local development.
type StaticVerifier struct {
	Token  string
	UserID string
}

func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if v.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return "", ErrUnauthorized
	}
	return v.UserID, nil
}

// SupabaseVerifier validates access tokens against a Supabase project's
// GoTrue user endpoint.
type SupabaseVerifier struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

func NewSupabaseVerifier(baseURL, serviceKey string, httpClient *http.Client) (*SupabaseVerifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("supabase url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SupabaseVerifier{baseURL: baseURL, serviceKey: serviceKey, httpClient: httpClient}, nil
}

func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.serviceKey)

	res, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
		return "", ErrUnauthorized
	}

	var user struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&user); err != nil {
		return "", fmt.Errorf("%w: decode user: %v", ErrUnavailable, err)
	}
	if user.ID == "" {
		return "", ErrUnauthorized
	}
	return user.ID, nil
}
