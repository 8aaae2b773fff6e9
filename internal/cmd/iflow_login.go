// Package cmd orchestrates the interactive login flows: the browser-based
// OAuth dance with its local callback listener, the manual-paste fallback for
// headless machines, and static API-key registration.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/iflowbridge/internal/account"
	"github.com/router-for-me/iflowbridge/internal/auth/iflow"
	"github.com/router-for-me/iflowbridge/internal/browser"
	"github.com/router-for-me/iflowbridge/internal/config"
	"github.com/router-for-me/iflowbridge/internal/headless"
	"github.com/router-for-me/iflowbridge/internal/store"
)

// LoginOptions tune one login attempt.
type LoginOptions struct {
	// NoBrowser skips opening the system browser and prints the URL instead.
	NoBrowser bool

	// CallbackPort pins the callback listener to one port instead of
	// scanning the configured range.
	CallbackPort int

	// Input supplies the manual-paste stream in headless mode. Defaults to
	// stdin.
	Input io.Reader
}

// DoIFlowLogin runs the OAuth flow and stores the resulting account.
func DoIFlowLogin(ctx context.Context, cfg *config.Config, mgr *account.Manager, svc *iflow.Service, opts *LoginOptions) error {
	if opts == nil {
		opts = &LoginOptions{}
	}

	var res *iflow.TokenResult
	var err error
	if headless.IsHeadless() {
		res, err = headlessLogin(ctx, cfg, svc, opts)
	} else {
		res, err = browserLogin(ctx, cfg, svc, opts)
	}
	if err != nil {
		return err
	}

	acc := store.Account{
		ID:           store.NewAccountID(),
		Email:        res.Email,
		AuthMethod:   store.AuthMethodOAuth,
		APIKey:       res.APIKey,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    res.ExpiresAt,
		IsHealthy:    true,
	}
	mgr.AddAccount(acc)
	if err = mgr.SaveToDisk(ctx); err != nil {
		return err
	}

	fmt.Printf("iFlow authentication successful! Account: %s\n", res.Email)
	return nil
}

func browserLogin(ctx context.Context, cfg *config.Config, svc *iflow.Service, opts *LoginOptions) (*iflow.TokenResult, error) {
	portStart, portRange := cfg.CallbackPortStart, cfg.CallbackPortRange
	if opts.CallbackPort > 0 {
		portStart, portRange = opts.CallbackPort, 1
	}

	srv, err := iflow.StartCallbackServer(svc, portStart, portRange)
	if err != nil {
		return nil, err
	}
	defer func() { _ = srv.Stop(context.Background()) }()

	authz, err := svc.Authorize(srv.Port())
	if err != nil {
		return nil, err
	}
	srv.SetAuthorization(authz)

	fmt.Printf("Open this URL to authorize:\n\n  %s\n\n", authz.AuthURL)
	if opts.NoBrowser {
		if copyErr := browser.CopyURL(authz.AuthURL); copyErr == nil {
			fmt.Println("The URL has been copied to your clipboard.")
		}
	} else if openErr := browser.OpenURL(authz.AuthURL); openErr != nil {
		log.Warnf("login: open browser failed: %v", openErr)
		if copyErr := browser.CopyURL(authz.AuthURL); copyErr == nil {
			fmt.Println("The URL has been copied to your clipboard.")
		}
	}

	return srv.Wait(iflow.DefaultCallbackTimeout)
}

// headlessLogin prints the authorization URL and exchanges a manually pasted
// callback. State validation is identical to the listener path.
func headlessLogin(ctx context.Context, cfg *config.Config, svc *iflow.Service, opts *LoginOptions) (*iflow.TokenResult, error) {
	port := cfg.CallbackPortStart
	if opts.CallbackPort > 0 {
		port = opts.CallbackPort
	}

	authz, err := svc.Authorize(port)
	if err != nil {
		return nil, err
	}

	fmt.Printf("No browser available. Open this URL on another machine:\n\n  %s\n\n", authz.AuthURL)
	fmt.Print("Paste the callback URL (or the authorization code): ")

	input := opts.Input
	if input == nil {
		input = os.Stdin
	}
	line, err := bufio.NewReader(input).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("login: read callback input failed: %w", err)
	}

	cb, err := headless.ParseCallback(line)
	if err != nil {
		return nil, err
	}
	if cb.Error != "" {
		return nil, fmt.Errorf("login: provider reported error: %s", cb.Error)
	}
	if cb.State != "" && cb.State != authz.State {
		return nil, &iflow.StateMismatchError{Expected: authz.State, Got: cb.State}
	}

	return svc.ExchangeCode(ctx, cb.Code, authz.RedirectURI)
}

// DoAPIKeyLogin validates a static API key and stores it as an account.
func DoAPIKeyLogin(ctx context.Context, mgr *account.Manager, svc *iflow.Service, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("login: api key is empty")
	}

	if err := svc.ValidateAPIKey(ctx, apiKey); err != nil {
		return err
	}

	acc := store.Account{
		ID:         store.NewAccountID(),
		Email:      "api-key-user",
		AuthMethod: store.AuthMethodAPIKey,
		APIKey:     apiKey,
		IsHealthy:  true,
	}
	mgr.AddAccount(acc)
	if err := mgr.SaveToDisk(ctx); err != nil {
		return err
	}

	fmt.Println("iFlow API key saved.")
	return nil
}
