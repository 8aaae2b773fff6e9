// Package proxy hosts the local OpenAI-compatible routing server. Each chat
// completion request is dispatched per model either to the vendor's HTTPS API
// or to the local iflow CLI subprocess, with both paths normalized onto the
// same wire format.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/iflowbridge/internal/account"
	"github.com/router-for-me/iflowbridge/internal/auth/iflow"
	"github.com/router-for-me/iflowbridge/internal/cliagent"
	"github.com/router-for-me/iflowbridge/internal/config"
	"github.com/router-for-me/iflowbridge/internal/registry"
)

// Server is the routing proxy. CLI availability flags are probed once at
// startup; per-request state is limited to the request itself.
type Server struct {
	cfg     *config.Config
	manager *account.Manager
	agent   *cliagent.Agent

	upstreamBase string
	httpClient   *http.Client

	cliStatus  cliagent.Status
	httpServer *http.Server
}

// Option adjusts a Server at construction time.
type Option func(*Server)

// WithUpstreamBaseURL overrides the vendor API base URL.
func WithUpstreamBaseURL(base string) Option {
	return func(s *Server) { s.upstreamBase = base }
}

// WithHTTPClient overrides the forwarding HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) { s.httpClient = client }
}

// New constructs a Server. The manager may carry zero accounts; requests then
// rely on caller-supplied bearer tokens.
func New(cfg *config.Config, manager *account.Manager, agent *cliagent.Agent, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		manager:      manager,
		agent:        agent,
		upstreamBase: iflow.DefaultAPIBaseURL,
		// No client timeout: streaming relays stay open for the whole
		// generation. Cancellation rides on the request context.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine serving the proxy routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.HandleMethodNotAllowed = true

	engine.POST("/v1/chat/completions", s.handleChatCompletions)
	engine.GET("/v1/models", s.handleModels)
	engine.POST("/v1/models", s.handleModels)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	return engine
}

// Run probes the CLI, binds the configured address, and serves until the
// context is cancelled. A listener already bound on the address means a
// sibling process is serving; that is reported as a clean no-op.
func (s *Server) Run(ctx context.Context) error {
	s.cliStatus = s.agent.Probe(ctx, s.cfg.AutoInstallCLI)

	addr := fmt.Sprintf("%s:%d", s.cfg.ProxyHost, s.cfg.ProxyPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			log.WithField("port", s.cfg.ProxyPort).Info("proxy: address in use, assuming proxy already running")
			return nil
		}
		return fmt.Errorf("proxy: listen on %s failed: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		close(errCh)
	}()

	log.WithField("port", s.cfg.ProxyPort).Info("proxy: listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("proxy: shutdown failed: %w", shutdownErr)
		}
		return nil
	case serveErr, ok := <-errCh:
		if ok && serveErr != nil {
			return fmt.Errorf("proxy: serve failed: %w", serveErr)
		}
		return nil
	}
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, registry.FallbackModelList())
}
