package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/auth"
	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

var (
	errMissingBaseURL = errors.New("client: auth base url is required")
	errUnsupportedURL = errors.New("client: relay url must use ws, wss, http or https")
)

// AuthResult is the identity and session token returned by the relay.
type AuthResult struct {
	Identity    chat.Identity `json:"identity"`
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// HTTPAuthProvider registers and logs in against the relay's auth endpoints.
type HTTPAuthProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAuthProvider targets the relay at baseURL. A nil client selects one
// with a ten second timeout.
func NewHTTPAuthProvider(baseURL string, client *http.Client) (*HTTPAuthProvider, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAuthProvider{baseURL: trimmed, client: client}, nil
}

// Register creates an account and returns its identity.
func (p *HTTPAuthProvider) Register(ctx context.Context, username, password string) (AuthResult, error) {
	return p.post(ctx, "/auth/register", username, password)
}

// Login authenticates an existing account.
func (p *HTTPAuthProvider) Login(ctx context.Context, username, password string) (AuthResult, error) {
	return p.post(ctx, "/auth/login", username, password)
}

func (p *HTTPAuthProvider) post(ctx context.Context, path, username, password string) (AuthResult, error) {
	body, err := json.Marshal(credentialsPayload{Username: username, Password: password})
	if err != nil {
		return AuthResult{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return AuthResult{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.client.Do(request)
	if err != nil {
		return AuthResult{}, fmt.Errorf("client: auth request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		var failure errorPayload
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return AuthResult{}, authError(response.StatusCode, failure.Error)
	}

	var result AuthResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return AuthResult{}, fmt.Errorf("client: decode auth response: %w", err)
	}
	if err := result.Identity.Validate(); err != nil {
		return AuthResult{}, err
	}
	return result, nil
}

func authError(status int, code string) error {
	switch code {
	case "invalid_credentials":
		return auth.ErrInvalidCredentials
	case "username_taken":
		return auth.ErrUsernameTaken
	case "invalid_request":
		return auth.ErrMissingCredentials
	}
	return fmt.Errorf("client: auth failed with status %d: %s", status, code)
}

// AuthBaseURL derives the relay's HTTP origin from its websocket url.
func AuthBaseURL(relayURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(relayURL))
	if err != nil {
		return "", fmt.Errorf("client: parse relay url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "http":
		parsed.Scheme = "http"
	case "wss", "https":
		parsed.Scheme = "https"
	default:
		return "", errUnsupportedURL
	}
	if parsed.Host == "" {
		return "", errUnsupportedURL
	}
	return (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host}).String(), nil
}
