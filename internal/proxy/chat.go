package proxy

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/iflowbridge/internal/cliagent"
	"github.com/router-for-me/iflowbridge/internal/registry"
	"github.com/router-for-me/iflowbridge/internal/store"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing model"})
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	if registry.RequiresCLI(model) {
		log.WithField("model", model).Debug("proxy: dispatching to CLI")
		s.handleCLIRequest(c, body, model, stream)
		return
	}

	log.WithField("model", model).Debug("proxy: dispatching to direct API")
	s.handleDirectRequest(c, body, model)
}

// handleDirectRequest relays the request to the vendor endpoint. The caller's
// bearer token is passed through untouched; when the caller supplies none, the
// active pool account is used instead.
func (s *Server) handleDirectRequest(c *gin.Context, body []byte, model string) {
	bearer := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))

	var acc *store.Account
	if bearer == "" {
		acc = s.manager.GetCurrentOrNext()
		if acc != nil {
			fresh, err := s.manager.EnsureFresh(c.Request.Context(), acc)
			if err != nil {
				log.Warnf("proxy: refresh for %s failed: %v", acc.Email, err)
			} else {
				acc = fresh
			}
			bearer = acc.APIKey
		}
	}
	if bearer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No API key available"})
		return
	}

	payload := registry.ApplyThinkingConfig(body, model)

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		s.upstreamBase+"/chat/completions", strings.NewReader(string(payload)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	if accept := c.GetHeader("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	s.recordOutcome(acc, resp)

	for key, values := range resp.Header {
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	relayBody(c, resp.Body)
}

// recordOutcome feeds vendor responses for pool-backed requests into the
// account health state.
func (s *Server) recordOutcome(acc *store.Account, resp *http.Response) {
	if acc == nil {
		return
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		s.manager.MarkUnhealthy(acc.ID, 0)
	case http.StatusTooManyRequests:
		retryAfter := time.Minute
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		s.manager.MarkUnhealthy(acc.ID, retryAfter)
	default:
		if resp.StatusCode < 300 {
			s.manager.MarkHealthy(acc.ID)
		}
	}
}

// relayBody copies the upstream body to the client, flushing after every read
// so SSE streams are delivered as they arrive.
func relayBody(c *gin.Context, upstream io.Reader) {
	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleCLIRequest(c *gin.Context, body []byte, model string, stream bool) {
	if !s.cliStatus.Installed {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":        "iflow CLI is not installed. Please install it with: " + cliagent.InstallHint,
			"install_hint": cliagent.InstallHint,
		})
		return
	}
	if !s.cliStatus.LoggedIn {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "iflow CLI is not logged in. Please run: " + cliagent.LoginHint,
			"login_hint": cliagent.LoginHint,
		})
		return
	}

	prompt := cliagent.BuildPrompt(parseMessages(body))
	if stream {
		s.handleCLIStream(c, model, prompt)
		return
	}
	s.handleCLIOnce(c, model, prompt)
}

func (s *Server) handleCLIOnce(c *gin.Context, model, prompt string) {
	content, err := s.agent.Run(c.Request.Context(), model, prompt)
	if err != nil {
		log.Errorf("proxy: CLI invocation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	promptTokens := countTokens(model, prompt)
	completionTokens := countTokens(model, content)
	c.JSON(http.StatusOK, chatCompletion{
		ID:      "iflow-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	})
}

func (s *Server) handleCLIStream(c *gin.Context, model, prompt string) {
	events, err := s.agent.RunStream(c.Request.Context(), model, prompt)
	if err != nil {
		log.Errorf("proxy: CLI stream start failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	chunks := newChunkWriter(c.Writer, flusher, model)

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				chunks.writeTerminal()
				return
			}
			if event.Err != nil {
				// Fold the failure into the stream so the client never sees
				// a half-open response.
				chunks.writeContent("\n\n[Error: " + event.Err.Error() + "]")
				chunks.writeTerminal()
				return
			}
			chunks.writeContent(event.Content)
		}
	}
}

func parseMessages(body []byte) []cliagent.Message {
	raw := gjson.GetBytes(body, "messages").Array()
	messages := make([]cliagent.Message, 0, len(raw))
	for _, m := range raw {
		messages = append(messages, cliagent.Message{
			Role:    m.Get("role").String(),
			Content: m.Get("content").String(),
		})
	}
	return messages
}
