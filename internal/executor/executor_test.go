package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudeq/internal/queue"
	logx "claudeq/pkg/logx"
)

func TestBuildArgs(t *testing.T) {
	r := NewCLIRunner("claude", logx.Nop())

	j := queue.NewJob("do the work")
	args := r.buildArgs(j)
	assert.Equal(t, []string{"-p", "do the work"}, args)

	j.Model = "opus"
	j.PermissionMode = "acceptEdits"
	j.AllowedTools = []string{"Bash", "Edit"}
	args = r.buildArgs(j)
	assert.Equal(t, []string{
		"-p", "do the work",
		"--model", "opus",
		"--permission-mode", "acceptEdits",
		"--allowed-tools", "Bash,Edit",
	}, args)
}

func TestBuildArgsContextFiles(t *testing.T) {
	r := NewCLIRunner("claude", logx.Nop())

	j := queue.NewJob("review these")
	j.ContextFiles = []string{"notes.md", "api.go"}
	args := r.buildArgs(j)
	require.Len(t, args, 2)
	assert.Equal(t, "-p", args[0])
	assert.Contains(t, args[1], "review these")
	assert.Contains(t, args[1], "@notes.md")
	assert.Contains(t, args[1], "@api.go")
}

func TestExecuteCapturesOutput(t *testing.T) {
	r := NewCLIRunner("echo", logx.Nop())

	j := queue.NewJob("hello from the queue")
	res := r.Execute(context.Background(), j, 10*time.Second)
	assert.True(t, res.Succeeded)
	assert.Contains(t, res.Output, "hello from the queue")
	assert.Greater(t, res.Elapsed, time.Duration(0))
}

func TestExecuteMissingBinary(t *testing.T) {
	r := NewCLIRunner("claudeq-no-such-binary", logx.Nop())

	j := queue.NewJob("unreachable")
	res := r.Execute(context.Background(), j, 10*time.Second)
	assert.False(t, res.Succeeded)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestCheckConnection(t *testing.T) {
	ok := NewCLIRunner("true", logx.Nop())
	assert.NoError(t, ok.CheckConnection(context.Background()))

	missing := NewCLIRunner("claudeq-no-such-binary", logx.Nop())
	assert.Error(t, missing.CheckConnection(context.Background()))
}

func TestDefaultCommand(t *testing.T) {
	r := NewCLIRunner("  ", logx.Nop())
	assert.Equal(t, "claude", r.Command)
}
