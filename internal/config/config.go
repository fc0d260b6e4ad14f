// Package config provides TOML configuration file loading for the client.
// The configuration file lives at ~/.agentlink/config.toml by default, but
// can be overridden with the --config flag. CLI flags always take precedence
// over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the client configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// Store is the path to the SQLite database for agents and endpoints.
	// Default: ~/.agentlink/agentlink.db
	Store string `toml:"store"`

	// KeyStore is the path to the encrypted credential store.
	// Default: ~/.agentlink/keychain
	KeyStore string `toml:"key_store"`

	// StatusAddr is the host:port for the local status API served by
	// 'agentlink connect'. Default: 127.0.0.1:7171
	StatusAddr string `toml:"status_addr"`

	// PreferredKind, when set, moves that transport kind to the front of
	// the fallback order for all agents without their own override.
	// One of: direct-pinned, relay-gateway, mesh-trusted, mesh-pinned.
	PreferredKind string `toml:"preferred_kind"`

	// SweepIntervalSec is the background reconnect sweep interval in
	// seconds. Default: 30
	SweepIntervalSec int `toml:"sweep_interval_sec"`

	// SweepRatePerMin caps reconnect attempts launched by the sweep per
	// minute, so a flaky network does not turn into a retry storm.
	// Default: 12
	SweepRatePerMin int `toml:"sweep_rate_per_min"`

	// ConnectTimeoutSec is the per-attempt connection timeout in seconds.
	// Default: 30
	ConnectTimeoutSec int `toml:"connect_timeout_sec"`

	// DiscoverTimeoutSec is how long 'agentlink discover' browses the
	// local network. Default: 5
	DiscoverTimeoutSec int `toml:"discover_timeout_sec"`
}

// Defaults used when the config file omits a value.
const (
	DefaultStatusAddr         = "127.0.0.1:7171"
	DefaultSweepIntervalSec   = 30
	DefaultSweepRatePerMin    = 12
	DefaultConnectTimeoutSec  = 30
	DefaultDiscoverTimeoutSec = 5
)

// DefaultConfigPath returns the default config file location:
// ~/.agentlink/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentlink", "config.toml"), nil
}

// DefaultStorePath returns the default database location:
// ~/.agentlink/agentlink.db.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentlink", "agentlink.db"), nil
}

// DefaultKeyStorePath returns the default credential store location:
// ~/.agentlink/keychain.
func DefaultKeyStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentlink", "keychain"), nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns a default Config without error if that file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.applyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.StatusAddr == "" {
		c.StatusAddr = DefaultStatusAddr
	}
	if c.SweepIntervalSec <= 0 {
		c.SweepIntervalSec = DefaultSweepIntervalSec
	}
	if c.SweepRatePerMin <= 0 {
		c.SweepRatePerMin = DefaultSweepRatePerMin
	}
	if c.ConnectTimeoutSec <= 0 {
		c.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
	if c.DiscoverTimeoutSec <= 0 {
		c.DiscoverTimeoutSec = DefaultDiscoverTimeoutSec
	}
}

// WriteDefault creates a commented config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, nothing to do
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# agentlink configuration

# Local status API address (served by 'agentlink connect')
status_addr = "127.0.0.1:7171"

# Background reconnect sweep interval in seconds
sweep_interval_sec = 30

# Per-attempt connection timeout in seconds
connect_timeout_sec = 30
`

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
