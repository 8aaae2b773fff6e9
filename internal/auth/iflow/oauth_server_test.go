package iflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func startTestCallbackServer(t *testing.T, svc *Service, state string) *CallbackServer {
	t.Helper()
	srv, err := StartCallbackServer(svc, 18000, 50)
	if err != nil {
		t.Fatalf("StartCallbackServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	srv.SetAuthorization(&Authorization{
		State:       state,
		RedirectURI: fmt.Sprintf("http://localhost:%d%s", srv.Port(), CallbackPath),
	})
	return srv
}

func TestCallbackStateMismatchNeverExchanges(t *testing.T) {
	var tokenCalls int32
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
	}))
	defer token.Close()

	svc := testService(token.URL, "http://127.0.0.1:0", "")
	srv := startTestCallbackServer(t, svc, "expected-state")

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s?code=abc&state=forged", srv.Port(), CallbackPath))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("callback status = %d, want 400", resp.StatusCode)
	}

	_, err = srv.Wait(2 * time.Second)
	var mismatch *StateMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected StateMismatchError, got %v", err)
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 0 {
		t.Fatalf("token endpoint called %d times on mismatch, want 0", got)
	}
}

func TestCallbackSuccessDeliversTokenResult(t *testing.T) {
	userInfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"apiKey":"sk-done","email":"user@example.com"}`))
	}))
	defer userInfo.Close()

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostFormValue("code"); got != "code-xyz" {
			t.Errorf("code = %q", got)
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`))
	}))
	defer token.Close()

	svc := testService(token.URL, userInfo.URL, "")
	srv := startTestCallbackServer(t, svc, "state-1")

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s?code=code-xyz&state=state-1", srv.Port(), CallbackPath))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", resp.StatusCode)
	}

	res, err := srv.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.APIKey != "sk-done" || res.Email != "user@example.com" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCallbackProviderErrorFailsWait(t *testing.T) {
	svc := testService("http://127.0.0.1:0", "http://127.0.0.1:0", "")
	srv := startTestCallbackServer(t, svc, "state-1")

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s?error=access_denied", srv.Port(), CallbackPath))
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("callback status = %d, want 400", resp.StatusCode)
	}

	if _, err = srv.Wait(2 * time.Second); err == nil {
		t.Fatal("expected Wait to fail on provider error")
	}
}

func TestWaitTimesOut(t *testing.T) {
	svc := testService("http://127.0.0.1:0", "http://127.0.0.1:0", "")
	srv := startTestCallbackServer(t, svc, "state-1")

	if _, err := srv.Wait(50 * time.Millisecond); err != ErrOAuthTimeout {
		t.Fatalf("expected ErrOAuthTimeout, got %v", err)
	}
}

func TestServerStartErrorWhenRangeExhausted(t *testing.T) {
	svc := testService("", "", "")

	first, err := StartCallbackServer(svc, 18100, 1)
	if err != nil {
		t.Fatalf("StartCallbackServer: %v", err)
	}
	defer func() { _ = first.Stop(context.Background()) }()

	_, err = StartCallbackServer(svc, 18100, 1)
	var startErr *ServerStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected ServerStartError, got %v", err)
	}
}

func TestCallbackRejectsNonGet(t *testing.T) {
	svc := testService("", "", "")
	srv := startTestCallbackServer(t, svc, "state-1")

	form := url.Values{"code": {"abc"}, "state": {"state-1"}}
	resp, err := http.PostForm(fmt.Sprintf("http://localhost:%d%s", srv.Port(), CallbackPath), form)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
