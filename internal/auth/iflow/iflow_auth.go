// Package iflow implements the OAuth 2.0 token lifecycle against the iFlow
// platform: authorization URL construction, code exchange, token refresh, and
// user-info resolution. The API key presented to the inference endpoint is
// resolved from the user-info lookup, never the OAuth access token itself.
package iflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/iflowbridge/internal/account"
)

const (
	oauthTokenEndpoint     = "https://iflow.cn/oauth/token"
	oauthAuthorizeEndpoint = "https://iflow.cn/oauth"
	userInfoEndpoint       = "https://iflow.cn/api/oauth/getUserInfo"

	// Client credentials issued by iFlow for the integration.
	oauthClientID     = "10009311001"
	oauthClientSecret = "4Z3YjXycVsQvyGF1etiNlIBB4RsqSDtW"
)

// DefaultAPIBaseURL is the canonical chat completions endpoint.
const DefaultAPIBaseURL = "https://apis.iflow.cn/v1"

// CallbackPath is the route the local listener serves for the OAuth redirect.
const CallbackPath = "/oauth2callback"

const defaultExpiresIn = 3600 // seconds, when the token endpoint omits expires_in

// Authorization describes one in-flight login attempt.
type Authorization struct {
	AuthURL     string
	State       string
	RedirectURI string
}

// TokenResult carries the outcome of a code exchange or refresh, including
// the resolved inference API key and account label.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds
	APIKey       string
	Email        string
}

// Service encapsulates the HTTP helpers for the OAuth flow.
type Service struct {
	httpClient *http.Client

	tokenEndpoint     string
	authorizeEndpoint string
	userInfoEndpoint  string
	apiBaseURL        string
}

// NewService constructs a Service with a bounded-timeout HTTP client.
func NewService() *Service {
	return &Service{
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		tokenEndpoint:     oauthTokenEndpoint,
		authorizeEndpoint: oauthAuthorizeEndpoint,
		userInfoEndpoint:  userInfoEndpoint,
		apiBaseURL:        DefaultAPIBaseURL,
	}
}

// Authorize generates a fresh anti-CSRF state and builds the authorization
// URL plus matching redirect URI for the given callback port. No network call
// is made.
func (s *Service) Authorize(port int) (*Authorization, error) {
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	redirectURI := fmt.Sprintf("http://localhost:%d%s", port, CallbackPath)
	values := url.Values{}
	values.Set("loginMethod", "phone")
	values.Set("type", "phone")
	values.Set("redirect", redirectURI)
	values.Set("state", state)
	values.Set("client_id", oauthClientID)

	return &Authorization{
		AuthURL:     fmt.Sprintf("%s?%s", s.authorizeEndpoint, values.Encode()),
		State:       state,
		RedirectURI: redirectURI,
	}, nil
}

// ExchangeCode exchanges an authorization code for tokens and resolves the
// account's API key and label via the user-info endpoint.
func (s *Service) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", oauthClientID)
	form.Set("client_secret", oauthClientSecret)

	status, body, err := s.postTokenForm(ctx, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TokenExchangeError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	}

	return s.resolveTokenResult(ctx, body, "")
}

// RefreshTokens exchanges a refresh token for new credentials. The previous
// refresh token is preserved when the provider omits a replacement, so the
// call is safe to repeat.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", oauthClientID)
	form.Set("client_secret", oauthClientSecret)

	status, body, err := s.postTokenForm(ctx, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TokenRefreshError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	}

	return s.resolveTokenResult(ctx, body, refreshToken)
}

func (s *Service) postTokenForm(ctx context.Context, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("iflow token: create request failed: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(oauthClientID + ":" + oauthClientSecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("iflow token: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("iflow token: read response failed: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (s *Service) resolveTokenResult(ctx context.Context, body []byte, previousRefreshToken string) (*TokenResult, error) {
	accessToken := gjson.GetBytes(body, "access_token").String()
	if accessToken == "" {
		log.Debug(string(body))
		return nil, fmt.Errorf("iflow token: missing access token in response")
	}

	refreshToken := gjson.GetBytes(body, "refresh_token").String()
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}

	expiresIn := gjson.GetBytes(body, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	info, err := s.FetchUserInfo(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	return &TokenResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().UnixMilli() + expiresIn*1000,
		APIKey:       info.APIKey,
		Email:        info.Label,
	}, nil
}

// UserInfo carries the fields resolved from the user-info endpoint.
type UserInfo struct {
	APIKey string
	Label  string
}

// FetchUserInfo retrieves account metadata, including the inference API key,
// for the provided access token. Provider revisions disagree on the response
// shape, so both the enveloped and flat forms are accepted, and the label
// falls back from email to phone to a generic placeholder.
func (s *Service) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("iflow user info: access token is empty")
	}

	endpoint := fmt.Sprintf("%s?accessToken=%s", s.userInfoEndpoint, url.QueryEscape(accessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("iflow user info: create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("iflow user info: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("iflow user info: read response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UserInfoError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	root := gjson.ParseBytes(body)
	scope := root
	if data := root.Get("data"); data.Exists() && data.IsObject() {
		scope = data
	}

	apiKey := firstNonEmpty(scope.Get("apiKey").String(), scope.Get("api_key").String())
	if apiKey == "" {
		return nil, &MissingAPIKeyError{}
	}

	label := firstNonEmpty(
		strings.TrimSpace(scope.Get("email").String()),
		strings.TrimSpace(scope.Get("phone").String()),
		strings.TrimSpace(scope.Get("username").String()),
		"oauth-user",
	)

	return &UserInfo{APIKey: apiKey, Label: label}, nil
}

// ValidateAPIKey checks a statically supplied key against the vendor's model
// listing endpoint.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("iflow api key: create request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("iflow api key: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIKeyInvalidError{StatusCode: resp.StatusCode}
	}
	return nil
}

// ManagerRefresher adapts the service to the account manager's refresher
// contract.
type ManagerRefresher struct {
	Service *Service
}

// Refresh implements account.TokenRefresher.
func (r ManagerRefresher) Refresh(ctx context.Context, refreshToken string) (*account.RefreshResult, error) {
	res, err := r.Service.RefreshTokens(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return &account.RefreshResult{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    res.ExpiresAt,
		APIKey:       res.APIKey,
		Email:        res.Email,
	}, nil
}

func generateState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("iflow oauth: generate state failed: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
