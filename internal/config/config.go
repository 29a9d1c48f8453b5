package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.inline/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// CurrentUserID is the id of the account the store belongs to. Zero
	// means unknown; reaction removals then act as user 0.
	CurrentUserID int64 `toml:"current_user_id"`

	Engine EngineConfig `toml:"engine"`
	Outbox OutboxConfig `toml:"outbox"`
}

// EngineConfig tunes the update engine.
type EngineConfig struct {
	QueueSize    int `toml:"queue_size"`
	NotifyBuffer int `toml:"notify_buffer"`
}

// OutboxConfig tunes the outbox sender.
type OutboxConfig struct {
	PollIntervalMs int `toml:"poll_interval_ms"`
}

// Defaults.
const (
	DefaultQueueSize      = 64
	DefaultNotifyBuffer   = 256
	DefaultPollIntervalMs = 500
)

// Default returns a config with every tunable at its default.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{QueueSize: DefaultQueueSize, NotifyBuffer: DefaultNotifyBuffer},
		Outbox: OutboxConfig{PollIntervalMs: DefaultPollIntervalMs},
	}
}

// PollInterval returns the outbox poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Outbox.PollIntervalMs) * time.Millisecond
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	switch {
	case c.CurrentUserID < 0:
		return fmt.Errorf("current_user_id must not be negative")
	case c.Engine.QueueSize <= 0:
		return fmt.Errorf("engine.queue_size must be positive, got %d", c.Engine.QueueSize)
	case c.Engine.NotifyBuffer <= 0:
		return fmt.Errorf("engine.notify_buffer must be positive, got %d", c.Engine.NotifyBuffer)
	case c.Outbox.PollIntervalMs <= 0:
		return fmt.Errorf("outbox.poll_interval_ms must be positive, got %d", c.Outbox.PollIntervalMs)
	}
	return nil
}

// Load reads config from the given path over the defaults. Returns error if
// the file is missing, malformed, or has keys this version does not know.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
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
