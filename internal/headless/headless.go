// Package headless detects environments where no browser can be opened and
// parses manually pasted OAuth callback input in that case.
package headless

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"
)

// IsHeadless reports whether the process runs without access to a local
// browser: SSH sessions, CI, containers, a missing display, or an explicit
// override.
func IsHeadless() bool {
	for _, key := range []string{"SSH_CONNECTION", "SSH_CLIENT", "SSH_TTY", "IFLOW_HEADLESS", "CI", "CONTAINER"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" && os.Getenv("DISPLAY") == "" {
		return true
	}
	return false
}

// Callback captures the parsed OAuth callback parameters.
type Callback struct {
	Code  string
	State string
	Error string
}

// ParseCallback extracts the authorization code and state from user input:
// a full callback URL, a bare query string, or a raw code. It returns an
// error when no code can be recovered.
func ParseCallback(input string) (*Callback, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("headless: callback input is empty")
	}

	candidate := trimmed
	if !strings.Contains(candidate, "://") {
		switch {
		case strings.HasPrefix(candidate, "?"):
			candidate = "http://localhost" + candidate
		case strings.Contains(candidate, "="):
			candidate = "http://localhost/?" + strings.TrimPrefix(candidate, "?")
		default:
			// Bare authorization code.
			return &Callback{Code: candidate}, nil
		}
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("headless: parse callback input failed: %w", err)
	}

	query := parsed.Query()
	cb := &Callback{
		Code:  strings.TrimSpace(query.Get("code")),
		State: strings.TrimSpace(query.Get("state")),
		Error: strings.TrimSpace(query.Get("error")),
	}
	if cb.Code == "" && cb.Error == "" {
		return nil, fmt.Errorf("headless: callback input missing code")
	}
	return cb, nil
}
