package iflow

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultCallbackTimeout bounds how long a login attempt waits for the
// browser redirect before failing.
const DefaultCallbackTimeout = 10 * time.Minute

// CallbackServer is a short-lived local HTTP listener that captures the OAuth
// redirect, validates the anti-CSRF state, and performs the code exchange.
// The port is bound first so the authorization redirect URI can reference it;
// SetAuthorization arms the handler before the browser is opened.
type CallbackServer struct {
	svc    *Service
	server *http.Server
	port   int

	result  chan *TokenResult
	errChan chan error

	mu      sync.Mutex
	authz   *Authorization
	running bool
}

// StartCallbackServer binds the first free port in
// [portStart, portStart+portRange) and begins serving the callback route.
// Exhausting the range yields a ServerStartError.
func StartCallbackServer(svc *Service, portStart, portRange int) (*CallbackServer, error) {
	s := &CallbackServer{
		svc:     svc,
		result:  make(chan *TokenResult, 1),
		errChan: make(chan error, 1),
	}

	var listener net.Listener
	for port := portStart; port < portStart+portRange; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			log.Debugf("iflow oauth: port %d unavailable: %v", port, err)
			continue
		}
		listener = l
		s.port = port
		break
	}
	if listener == nil {
		return nil, &ServerStartError{PortStart: portStart, PortRange: portRange}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.fail(err)
		}
	}()

	log.Debugf("iflow oauth: callback listener on port %d", s.port)
	return s, nil
}

// Port returns the port the listener actually bound.
func (s *CallbackServer) Port() int { return s.port }

// SetAuthorization installs the in-flight authorization the handler validates
// against. Callbacks arriving before this is set are rejected.
func (s *CallbackServer) SetAuthorization(authz *Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authz = authz
}

func (s *CallbackServer) authorization() *Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authz
}

// Wait blocks until the callback produces a token result, an error occurs, or
// the timeout elapses. A zero timeout uses DefaultCallbackTimeout.
func (s *CallbackServer) Wait(timeout time.Duration) (*TokenResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	select {
	case res := <-s.result:
		return res, nil
	case err := <-s.errChan:
		return nil, err
	case <-time.After(timeout):
		return nil, ErrOAuthTimeout
	}
}

// Stop gracefully terminates the listener.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if errParam := strings.TrimSpace(query.Get("error")); errParam != "" {
		writeHTML(w, http.StatusBadRequest, fmt.Sprintf("<h1>Authorization failed: %s</h1>", errParam))
		s.fail(fmt.Errorf("iflow oauth: provider reported error: %s", errParam))
		return
	}

	code := strings.TrimSpace(query.Get("code"))
	state := query.Get("state")
	if code == "" || state == "" {
		writeHTML(w, http.StatusBadRequest, "<h1>Error: missing code or state</h1>")
		s.fail(fmt.Errorf("iflow oauth: callback missing code or state"))
		return
	}

	authz := s.authorization()
	if authz == nil {
		writeHTML(w, http.StatusInternalServerError, "<h1>Error: no login in progress</h1>")
		s.fail(fmt.Errorf("iflow oauth: callback arrived before authorization was issued"))
		return
	}
	if state != authz.State {
		writeHTML(w, http.StatusBadRequest, "<h1>Error: state mismatch</h1>")
		s.fail(&StateMismatchError{Expected: authz.State, Got: state})
		return
	}

	res, err := s.svc.ExchangeCode(r.Context(), code, authz.RedirectURI)
	if err != nil {
		writeHTML(w, http.StatusInternalServerError, fmt.Sprintf("<h1>Error: %s</h1>", err))
		s.fail(err)
		return
	}

	writeHTML(w, http.StatusOK, fmt.Sprintf(
		"<h1>Authentication successful!</h1><p>Account: %s</p><p>You can close this window.</p>", res.Email))
	s.deliver(res)
}

func (s *CallbackServer) deliver(res *TokenResult) {
	select {
	case s.result <- res:
	default:
		log.Debug("iflow oauth: result channel full, dropping result")
	}
}

func (s *CallbackServer) fail(err error) {
	select {
	case s.errChan <- err:
	default:
		log.Debugf("iflow oauth: error channel full, dropping: %v", err)
	}
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<html><body>%s</body></html>", body)
}
