// Package config provides configuration management for the iFlow bridge.
// It handles loading and parsing the YAML configuration file, applies
// defaults, and folds in the environment toggles that control debug logging,
// CLI auto-install, and proxy auto-start behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Selection strategies supported by the account manager.
const (
	StrategyRoundRobin = "round-robin"
	StrategySticky     = "sticky"
)

// Default network locations for the proxy and the OAuth callback listener.
const (
	DefaultProxyHost         = "127.0.0.1"
	DefaultProxyPort         = 19998
	DefaultCallbackPortStart = 8087
	DefaultCallbackPortRange = 10
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// ProxyHost is the address the routing proxy binds to.
	ProxyHost string `yaml:"proxy-host"`

	// ProxyPort is the port the routing proxy listens on.
	ProxyPort int `yaml:"proxy-port"`

	// AccountStrategy selects how the account manager rotates credentials.
	// Supported values: "round-robin", "sticky".
	AccountStrategy string `yaml:"account-strategy"`

	// CallbackPortStart is the first port tried for the OAuth callback listener.
	CallbackPortStart int `yaml:"callback-port-start"`

	// CallbackPortRange is the number of consecutive ports to try after CallbackPortStart.
	CallbackPortRange int `yaml:"callback-port-range"`

	// Debug enables verbose logging output.
	Debug bool `yaml:"debug"`

	// AutoInstallCLI attempts `npm install -g iflow-cli` when the CLI is missing.
	AutoInstallCLI bool `yaml:"auto-install-cli"`

	// AutoStartProxy starts the routing proxy during host initialisation.
	AutoStartProxy bool `yaml:"auto-start-proxy"`

	// LoggingToFile redirects logs to rotated files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogDir overrides the directory used for rotated log files.
	LogDir string `yaml:"log-dir,omitempty"`
}

// DefaultConfig returns a configuration populated with safe defaults.
// Everything defaults to enabled except interactive CLI login, which the
// proxy never triggers on its own.
func DefaultConfig() *Config {
	return &Config{
		ProxyHost:         DefaultProxyHost,
		ProxyPort:         DefaultProxyPort,
		AccountStrategy:   StrategyRoundRobin,
		CallbackPortStart: DefaultCallbackPortStart,
		CallbackPortRange: DefaultCallbackPortRange,
		AutoInstallCLI:    true,
		AutoStartProxy:    true,
	}
}

// LoadConfig reads the YAML configuration file at the given path, merges it
// over the defaults, and applies environment overrides. A missing file is not
// an error; the defaults are used.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		switch {
		case os.IsNotExist(err):
			// Fall through with defaults.
		case err != nil:
			return nil, fmt.Errorf("config: read %s failed: %w", configFile, err)
		default:
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s failed: %w", configFile, errUnmarshal)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := lookupBool("IFLOW_PROXY_DEBUG"); ok {
		c.Debug = v
	}
	if v, ok := lookupBool("IFLOW_AUTO_INSTALL_CLI"); ok {
		c.AutoInstallCLI = v
	}
	if v, ok := lookupBool("IFLOW_AUTO_START_PROXY"); ok {
		c.AutoStartProxy = v
	}
}

func (c *Config) validate() error {
	switch c.AccountStrategy {
	case StrategyRoundRobin, StrategySticky:
	case "":
		c.AccountStrategy = StrategyRoundRobin
	default:
		return fmt.Errorf("config: unknown account strategy %q", c.AccountStrategy)
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("config: invalid proxy port %d", c.ProxyPort)
	}
	if c.CallbackPortRange <= 0 {
		c.CallbackPortRange = DefaultCallbackPortRange
	}
	return nil
}

// ConfigDir returns the platform-conventional directory that holds the
// account store, model cache, and configuration file.
func ConfigDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "opencode")
	}
	return filepath.Join(home, ".config", "opencode")
}

// LegacyConfigDir returns the pre-XDG location checked once for backward
// migration of existing account stores.
func LegacyConfigDir() string {
	if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
		return filepath.Join(appData, "opencode")
	}
	return ConfigDir()
}

func lookupBool(key string) (bool, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
