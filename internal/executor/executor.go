// Package executor invokes the agent CLI for one job at a time and
// reports raw output back to the scheduler. It never interprets the
// output beyond exit status; throttle classification happens upstream.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"claudeq/internal/queue"
	logx "claudeq/pkg/logx"
)

// Runner is the execution collaborator contract. The scheduler only
// depends on this interface; tests substitute a fake.
type Runner interface {
	// Execute runs the job and returns its result within timeout.
	// A timed-out run is reported as an ordinary (non-throttling)
	// failure.
	Execute(ctx context.Context, j *queue.Job, timeout time.Duration) queue.ExecutionResult

	// CheckConnection verifies the agent CLI is present and responsive.
	CheckConnection(ctx context.Context) error
}

// CLIRunner shells out to the agent CLI (claude by default).
type CLIRunner struct {
	Command string
	Log     logx.Logger
}

func NewCLIRunner(command string, log logx.Logger) *CLIRunner {
	if strings.TrimSpace(command) == "" {
		command = "claude"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CLIRunner{Command: command, Log: log}
}

func (r *CLIRunner) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.Command, "--version").CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("agent CLI %q not found in PATH", r.Command)
		}
		return fmt.Errorf("agent CLI not available: %s", firstLine(string(out)))
	}
	return nil
}

func (r *CLIRunner) Execute(ctx context.Context, j *queue.Job, timeout time.Duration) queue.ExecutionResult {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.Command, r.buildArgs(j)...)
	if j.WorkingDirectory != "" {
		cmd.Dir = j.WorkingDirectory
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Log.Debug("agent invocation",
		logx.String("id", j.ID),
		logx.String("dir", j.WorkingDirectory),
		logx.Duration("timeout", timeout))

	err := cmd.Run()
	elapsed := time.Since(start)

	res := queue.ExecutionResult{
		Output:  stdout.String(),
		Elapsed: elapsed,
	}

	switch {
	case err == nil:
		res.Succeeded = true
	case runCtx.Err() == context.DeadlineExceeded:
		res.ErrorMessage = fmt.Sprintf("execution timed out after %s", timeout)
	default:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		res.ErrorMessage = msg
	}

	// Throttle messages sometimes land on stderr; keep it visible to
	// the classifier by folding it into the output.
	if s := strings.TrimSpace(stderr.String()); s != "" {
		if res.Output != "" {
			res.Output += "\n"
		}
		res.Output += s
	}

	return res
}

// buildArgs assembles the agent command line. Context files are passed
// as @-references appended to the prompt, matching how the CLI expects
// file mentions.
func (r *CLIRunner) buildArgs(j *queue.Job) []string {
	prompt := j.Content
	if len(j.ContextFiles) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nContext files:\n")
		for _, f := range j.ContextFiles {
			b.WriteString("@")
			b.WriteString(f)
			b.WriteByte('\n')
		}
		prompt = b.String()
	}

	args := []string{"-p", prompt}
	if j.Model != "" {
		args = append(args, "--model", j.Model)
	}
	if j.PermissionMode != "" {
		args = append(args, "--permission-mode", j.PermissionMode)
	}
	if len(j.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(j.AllowedTools, ","))
	}
	return args
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
