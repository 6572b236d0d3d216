// Package config loads the daemon configuration file and hot-reloads
// the fields that are safe to change at runtime.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "30s", "1h"); zero/omitted fields fall back to the
// documented defaults.
type Config struct {
	// StorageDir is the queue storage root. "~" expands to $HOME.
	StorageDir string `yaml:"storage_dir"`

	// ClaudeCommand is the agent CLI binary name or path.
	ClaudeCommand string `yaml:"claude_command"`

	// CheckInterval is the idle poll interval. Default "30s".
	CheckInterval string `yaml:"check_interval"`

	// DefaultTimeout bounds one agent invocation when the job has no
	// per-job override. Default "1h".
	DefaultTimeout string `yaml:"default_timeout"`

	// ResetBuffer is added to the estimated reset time before the
	// rate-limited sleep ends. Default "60s".
	ResetBuffer string `yaml:"reset_buffer"`

	// MinInvocationGap enforces a minimum spacing between consecutive
	// agent invocations. "0s" (default) disables pacing.
	MinInvocationGap string `yaml:"min_invocation_gap"`

	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	History   HistoryConfig   `yaml:"history"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type LoggingConfig struct {
	Level   string     `yaml:"level"`
	Console *bool      `yaml:"console"`
	File    FileConfig `yaml:"file"`
}

type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RateLimitConfig extends the built-in throttle phrase list. The
// wording of agent throttle messages is vendor-dependent, so the list
// is configurable rather than fixed.
type RateLimitConfig struct {
	Patterns []string `yaml:"patterns"`
}

// HistoryConfig controls the optional attempt archive.
//
// Driver values: "" or "none" (disabled), "file" (jsonl), "sqlite"
// (requires the sqlite build tag).
type HistoryConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"` // sqlite only
}

// NotifyConfig controls optional Telegram notifications for terminal
// job transitions.
type NotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Token      string `yaml:"token"`
	ChatID     int64  `yaml:"chat_id"`
	RatePerSec int    `yaml:"rate_per_sec"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		StorageDir:    "~/.claudeq",
		ClaudeCommand: "claude",
	}
}

// Load reads and strictly decodes path. A missing file yields the
// default config without error; a malformed file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse strictly decodes config bytes; unknown fields are rejected so
// typos surface instead of silently applying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for _, f := range []struct{ name, raw string }{
		{"check_interval", c.CheckInterval},
		{"default_timeout", c.DefaultTimeout},
		{"reset_buffer", c.ResetBuffer},
		{"min_invocation_gap", c.MinInvocationGap},
		{"history.busy_timeout", c.History.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.name, f.raw); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("history.driver: unknown driver %q", c.History.Driver)
	}
	return nil
}

// ---- Parsed accessors ----

func (c *Config) CheckIntervalD() time.Duration {
	d, _ := ParseDurationOrDefault("check_interval", c.CheckInterval, 30*time.Second)
	return d
}

func (c *Config) DefaultTimeoutD() time.Duration {
	d, _ := ParseDurationOrDefault("default_timeout", c.DefaultTimeout, time.Hour)
	return d
}

func (c *Config) ResetBufferD() time.Duration {
	d, _ := ParseDurationOrDefault("reset_buffer", c.ResetBuffer, 60*time.Second)
	return d
}

func (c *Config) MinInvocationGapD() time.Duration {
	d, _ := ParseDurationField("min_invocation_gap", c.MinInvocationGap)
	return d
}

// StorageRoot expands "~" in StorageDir.
func (c *Config) StorageRoot() string {
	return ExpandHome(c.StorageDir)
}

// ExpandHome resolves a leading "~" against the current user's home.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

// ParseDurationField parses a Go duration string, allowing empty input.
func ParseDurationField(name, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", name)
	}
	return d, nil
}

// ParseDurationOrDefault parses a duration, substituting def for
// empty/zero values.
func ParseDurationOrDefault(name, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
