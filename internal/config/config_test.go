package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "~/.claudeq", cfg.StorageDir)
	assert.Equal(t, "claude", cfg.ClaudeCommand)
	assert.Equal(t, 30*time.Second, cfg.CheckIntervalD())
	assert.Equal(t, time.Hour, cfg.DefaultTimeoutD())
	assert.Equal(t, time.Minute, cfg.ResetBufferD())
	assert.Equal(t, time.Duration(0), cfg.MinInvocationGapD())
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
storage_dir: /var/lib/claudeq
claude_command: claude-wrapper
check_interval: 10s
default_timeout: 45m
reset_buffer: 2m
min_invocation_gap: 5s
logging:
  level: debug
  file:
    enabled: true
    path: /tmp/claudeq.log
rate_limit:
  patterns:
    - "capacity constraint"
history:
  driver: file
  path: /tmp/history.jsonl
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/claudeq", cfg.StorageDir)
	assert.Equal(t, "claude-wrapper", cfg.ClaudeCommand)
	assert.Equal(t, 10*time.Second, cfg.CheckIntervalD())
	assert.Equal(t, 45*time.Minute, cfg.DefaultTimeoutD())
	assert.Equal(t, 2*time.Minute, cfg.ResetBufferD())
	assert.Equal(t, 5*time.Second, cfg.MinInvocationGapD())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.File.Enabled)
	assert.Equal(t, []string{"capacity constraint"}, cfg.RateLimit.Patterns)
	assert.Equal(t, "file", cfg.History.Driver)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("storage_dri: /oops\n"))
	assert.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("check_interval: often\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("default_timeout: -5m\n"))
	assert.Error(t, err)
}

func TestParseRejectsUnknownHistoryDriver(t *testing.T) {
	_, err := Parse([]byte("history:\n  driver: redis\n"))
	assert.Error(t, err)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("claude_command: cc\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cc", cfg.ClaudeCommand)
	// Untouched fields keep their defaults.
	assert.Equal(t, "~/.claudeq", cfg.StorageDir)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, filepath.Join(home, ".claudeq"), ExpandHome("~/.claudeq"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "rel/path", ExpandHome("rel/path"))
}
