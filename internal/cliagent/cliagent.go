// Package cliagent drives the locally installed iflow command-line tool:
// install and login probes against its config directory, optional npm-based
// installation, and one-shot chat invocations over stdin/stdout.
package cliagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultBinary  = "iflow"
	credsFileName  = "oauth_creds.json"
	installPackage = "iflow-cli"
)

// InstallHint is surfaced to callers when the CLI binary is missing.
const InstallHint = "npm install -g iflow-cli"

// LoginHint is surfaced to callers when the CLI has no usable session.
const LoginHint = "iflow login"

// ErrNotInstalled indicates no local CLI installation could be found.
var ErrNotInstalled = errors.New("cliagent: iflow CLI is not installed")

// ErrNotLoggedIn indicates the CLI is installed but has no valid session.
var ErrNotLoggedIn = errors.New("cliagent: iflow CLI is not logged in")

// ExitCodeError reports an invocation that terminated with an unexpected
// exit code. The tool signals success with exit code 1.
type ExitCodeError struct {
	Code   int
	Stderr string
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("cliagent: iflow exited with code %d: %s", e.Code, e.Stderr)
}

// Status is the result of probing the local CLI.
type Status struct {
	Installed bool
	LoggedIn  bool
}

// Agent wraps the local iflow binary. The zero value is not usable; construct
// with NewAgent.
type Agent struct {
	binary    string
	configDir string
	now       func() time.Time
}

// NewAgent builds an Agent bound to the default binary name and the user's
// ~/.iflow config directory.
func NewAgent() *Agent {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Agent{
		binary:    defaultBinary,
		configDir: filepath.Join(home, ".iflow"),
		now:       time.Now,
	}
}

// NewAgentAt builds an Agent with explicit binary and config directory, used
// by tests.
func NewAgentAt(binary, configDir string) *Agent {
	return &Agent{binary: binary, configDir: configDir, now: time.Now}
}

func (a *Agent) credsPath() string {
	return filepath.Join(a.configDir, credsFileName)
}

// Installed reports whether a local CLI installation exists: a config
// directory, a credentials file, or the binary on PATH.
func (a *Agent) Installed() bool {
	if _, err := os.Stat(a.configDir); err == nil {
		return true
	}
	if _, err := os.Stat(a.credsPath()); err == nil {
		return true
	}
	if _, err := exec.LookPath(a.binary); err == nil {
		return true
	}
	return false
}

// LoggedIn reports whether the CLI holds a usable session: a credentials file
// with a token that has not passed its expiry.
func (a *Agent) LoggedIn() bool {
	data, err := os.ReadFile(a.credsPath())
	if err != nil {
		log.Debugf("cliagent: credentials file unreadable: %v", err)
		return false
	}

	creds := gjson.ParseBytes(data)
	if creds.Get("access_token").String() == "" && creds.Get("apiKey").String() == "" {
		return false
	}
	if expiry := creds.Get("expiry_date").Int(); expiry > 0 && a.now().UnixMilli() > expiry {
		log.Debug("cliagent: credentials expired")
		return false
	}
	return true
}

// Probe checks install and login state, optionally installing the CLI via npm
// when it is missing.
func (a *Agent) Probe(ctx context.Context, autoInstall bool) Status {
	installed := a.Installed()
	if !installed && autoInstall {
		if err := a.Install(ctx); err != nil {
			log.Warnf("cliagent: auto-install failed: %v", err)
		} else {
			installed = a.Installed()
		}
	}

	status := Status{Installed: installed}
	if installed {
		status.LoggedIn = a.LoggedIn()
	}

	if !status.Installed {
		log.Warnf("cliagent: iflow CLI not installed, CLI-only models unavailable (%s)", InstallHint)
	} else if !status.LoggedIn {
		log.Warnf("cliagent: iflow CLI not logged in, CLI-only models unavailable (%s)", LoginHint)
	}
	return status
}

// Install runs a global npm install of the CLI package.
func (a *Agent) Install(ctx context.Context) error {
	log.Infof("cliagent: installing %s via npm", installPackage)
	cmd := exec.CommandContext(ctx, "npm", "install", "-g", installPackage)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("cliagent: npm install failed: %w: %s", err, string(out))
	}
	log.Info("cliagent: iflow CLI installed")
	return nil
}
