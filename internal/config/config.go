// Package config handles the global ~/.courier/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the persisted user configuration.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Bridge server connection.
	BridgeAddress  string `toml:"bridge_address"`
	BridgePassword string `toml:"bridge_password"`

	// WiFiOnlySync restricts sync passes to wifi. A one-time override never
	// writes this field back.
	WiFiOnlySync bool `toml:"wifi_only_sync"`

	// MessagesPerChat bounds how many recent messages a sync pulls per chat.
	MessagesPerChat int `toml:"messages_per_chat"`

	// NotifyDebounceMs is the quiet period before queued notifications
	// flush. Zero means the built-in default.
	NotifyDebounceMs int `toml:"notify_debounce_ms"`
}

// Defaults returns the config used when no file exists yet.
func Defaults() *Config {
	return &Config{
		DefaultSession:  "main",
		MessagesPerChat: 25,
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing; callers fall back to Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed. The
// file holds the bridge password, so it stays 0600.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
