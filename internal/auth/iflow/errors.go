package iflow

import (
	"errors"
	"fmt"
)

// ErrOAuthTimeout is returned when no callback arrives before the wait
// deadline expires.
var ErrOAuthTimeout = errors.New("iflow oauth: timed out waiting for callback")

// StateMismatchError indicates the callback carried a state value that does
// not match the one issued at authorization time.
type StateMismatchError struct {
	Expected string
	Got      string
}

func (e *StateMismatchError) Error() string {
	return "iflow oauth: state mismatch in callback"
}

// TokenExchangeError reports a non-2xx response from the token endpoint
// during the authorization-code grant.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("iflow token: exchange failed: %d %s", e.StatusCode, e.Body)
}

// TokenRefreshError reports a failed refresh-token grant.
type TokenRefreshError struct {
	StatusCode int
	Body       string
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("iflow token: refresh failed: %d %s", e.StatusCode, e.Body)
}

// UserInfoError reports a failed or malformed user-info lookup.
type UserInfoError struct {
	StatusCode int
	Body       string
}

func (e *UserInfoError) Error() string {
	return fmt.Sprintf("iflow user info: lookup failed: %d %s", e.StatusCode, e.Body)
}

// MissingAPIKeyError indicates user-info resolution succeeded but yielded no
// API key, leaving the account unusable for inference calls.
type MissingAPIKeyError struct{}

func (e *MissingAPIKeyError) Error() string {
	return "iflow user info: response carries no api key"
}

// APIKeyInvalidError indicates a statically supplied API key failed
// validation against the vendor API.
type APIKeyInvalidError struct {
	StatusCode int
}

func (e *APIKeyInvalidError) Error() string {
	return fmt.Sprintf("iflow api key: validation failed with status %d", e.StatusCode)
}

// ServerStartError indicates every port in the callback listener range was
// already in use.
type ServerStartError struct {
	PortStart int
	PortRange int
}

func (e *ServerStartError) Error() string {
	return fmt.Sprintf("iflow oauth: no free callback port in [%d,%d)", e.PortStart, e.PortStart+e.PortRange)
}
