package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "claudeq/pkg/logx"
)

func TestManagerLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("claude_command: one\n"), 0o644))

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "one", cfg.ClaudeCommand)
	assert.Same(t, cfg, m.Get())

	// Unchanged content publishes nothing.
	var published *Config
	m.reload(func(c *Config) { published = c })
	assert.Nil(t, published)

	require.NoError(t, os.WriteFile(path, []byte("claude_command: two\n"), 0o644))
	m.reload(func(c *Config) { published = c })
	require.NotNil(t, published)
	assert.Equal(t, "two", published.ClaudeCommand)
	assert.Equal(t, "two", m.Get().ClaudeCommand)
}

func TestManagerKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("claude_command: good\n"), 0o644))

	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("claude_commandX: bad\n"), 0o644))
	called := false
	m.reload(func(*Config) { called = true })

	assert.False(t, called)
	assert.Equal(t, "good", m.Get().ClaudeCommand)
}
