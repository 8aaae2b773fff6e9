package iflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testService(tokenURL, userInfoURL, apiBase string) *Service {
	return &Service{
		httpClient:        &http.Client{Timeout: 5 * time.Second},
		tokenEndpoint:     tokenURL,
		authorizeEndpoint: oauthAuthorizeEndpoint,
		userInfoEndpoint:  userInfoURL,
		apiBaseURL:        apiBase,
	}
}

func TestAuthorizeBuildsURLWithoutNetwork(t *testing.T) {
	svc := NewService()

	authz, err := svc.Authorize(8087)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if authz.RedirectURI != "http://localhost:8087"+CallbackPath {
		t.Fatalf("unexpected redirect URI %q", authz.RedirectURI)
	}
	if len(authz.State) != 32 {
		t.Fatalf("expected 32-char hex state, got %q", authz.State)
	}

	parsed, err := url.Parse(authz.AuthURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	query := parsed.Query()
	if query.Get("state") != authz.State {
		t.Fatalf("state not embedded in auth URL: %q", authz.AuthURL)
	}
	if query.Get("client_id") != oauthClientID {
		t.Fatalf("client id not embedded in auth URL: %q", authz.AuthURL)
	}
	if query.Get("redirect") != authz.RedirectURI {
		t.Fatalf("redirect not embedded in auth URL: %q", authz.AuthURL)
	}

	// Distinct attempts use distinct states.
	second, err := svc.Authorize(8087)
	if err != nil {
		t.Fatalf("Authorize second: %v", err)
	}
	if second.State == authz.State {
		t.Fatal("expected a fresh state per attempt")
	}
}

func TestExchangeCodeResolvesAPIKey(t *testing.T) {
	userInfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-123" {
			t.Errorf("user info auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"apiKey":"sk-resolved","email":"user@example.com"}}`))
	}))
	defer userInfo.Close()

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token method = %s", r.Method)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != oauthClientID || pass != oauthClientSecret {
			t.Errorf("missing or wrong basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostFormValue("code"); got != "code-abc" {
			t.Errorf("code = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-123","refresh_token":"rt-123","expires_in":7200}`))
	}))
	defer token.Close()

	svc := testService(token.URL, userInfo.URL, "")

	before := time.Now().UnixMilli()
	res, err := svc.ExchangeCode(context.Background(), "code-abc", "http://localhost:8087"+CallbackPath)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	if res.AccessToken != "at-123" || res.RefreshToken != "rt-123" {
		t.Fatalf("unexpected tokens: %+v", res)
	}
	if res.APIKey != "sk-resolved" {
		t.Fatalf("expected api key from user info, got %q", res.APIKey)
	}
	if res.Email != "user@example.com" {
		t.Fatalf("unexpected label %q", res.Email)
	}
	wantExpiry := before + 7200*1000
	if res.ExpiresAt < wantExpiry || res.ExpiresAt > wantExpiry+5000 {
		t.Fatalf("expiry %d not near %d", res.ExpiresAt, wantExpiry)
	}
}

func TestExchangeCodeNon2xxFails(t *testing.T) {
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer token.Close()

	svc := testService(token.URL, "http://127.0.0.1:0", "")

	_, err := svc.ExchangeCode(context.Background(), "bad-code", "http://localhost:8087"+CallbackPath)
	var exchangeErr *TokenExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("expected TokenExchangeError, got %v", err)
	}
	if exchangeErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", exchangeErr.StatusCode)
	}
}

func TestRefreshPreservesOldRefreshToken(t *testing.T) {
	userInfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"apiKey":"sk-resolved","phone":"138000"}`))
	}))
	defer userInfo.Close()

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostFormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		// No refresh_token and no expires_in in the response.
		_, _ = w.Write([]byte(`{"access_token":"at-next"}`))
	}))
	defer token.Close()

	svc := testService(token.URL, userInfo.URL, "")

	before := time.Now().UnixMilli()
	res, err := svc.RefreshTokens(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if res.RefreshToken != "rt-old" {
		t.Fatalf("expected old refresh token preserved, got %q", res.RefreshToken)
	}
	if res.Email != "138000" {
		t.Fatalf("expected phone fallback label, got %q", res.Email)
	}
	wantExpiry := before + int64(defaultExpiresIn)*1000
	if res.ExpiresAt < wantExpiry || res.ExpiresAt > wantExpiry+5000 {
		t.Fatalf("expected default expiry, got %d", res.ExpiresAt)
	}
}

func TestFetchUserInfoShapes(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantKey   string
		wantLabel string
		wantErr   bool
	}{
		{"enveloped", `{"data":{"apiKey":"sk-1","email":"a@b.c"}}`, "sk-1", "a@b.c", false},
		{"flat snake case", `{"api_key":"sk-2","username":"zed"}`, "sk-2", "zed", false},
		{"label placeholder", `{"apiKey":"sk-3"}`, "sk-3", "oauth-user", false},
		{"missing api key", `{"data":{"email":"a@b.c"}}`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			svc := testService("", srv.URL, "")
			info, err := svc.FetchUserInfo(context.Background(), "at-x")
			if tt.wantErr {
				var missing *MissingAPIKeyError
				if !errors.As(err, &missing) {
					t.Fatalf("expected MissingAPIKeyError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchUserInfo: %v", err)
			}
			if info.APIKey != tt.wantKey || info.Label != tt.wantLabel {
				t.Fatalf("got %+v, want key=%q label=%q", info, tt.wantKey, tt.wantLabel)
			}
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "Bearer sk-good" {
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc := testService("", "", srv.URL)

	if err := svc.ValidateAPIKey(context.Background(), "sk-good"); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}

	err := svc.ValidateAPIKey(context.Background(), "sk-bad")
	var invalid *APIKeyInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected APIKeyInvalidError, got %v", err)
	}
	if invalid.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", invalid.StatusCode)
	}
}
