package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "claudeq/pkg/logx"
)

func TestDisabledNotifierIsInert(t *testing.T) {
	n, err := New(Config{Enabled: false}, logx.Nop())
	require.NoError(t, err)
	assert.False(t, n.Enabled())

	// All of these must be safe no-ops.
	n.Notify("dropped")
	n.JobFinished("ab12cd34", "completed", "done", time.Second)
	n.Close()
}

func TestEnabledRequiresCredentials(t *testing.T) {
	_, err := New(Config{Enabled: true}, logx.Nop())
	assert.Error(t, err)

	_, err = New(Config{Enabled: true, Token: "t"}, logx.Nop())
	assert.Error(t, err)
}
