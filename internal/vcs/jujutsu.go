// Package vcs is the post-execution collaborator: Jujutsu (jj)
// integration for queue-driven change management. Every operation here
// is best-effort; failures are surfaced as warnings and never change a
// job's terminal status.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	logx "claudeq/pkg/logx"
)

const commandTimeout = 10 * time.Second

// Jujutsu wraps the jj CLI.
type Jujutsu struct {
	Log logx.Logger
}

func New(log logx.Logger) *Jujutsu {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Jujutsu{Log: log}
}

// Available reports whether jj is in PATH.
func (v *Jujutsu) Available() bool {
	_, err := exec.LookPath("jj")
	return err == nil
}

// IsRepository walks up from dir looking for a .jj directory.
func (v *Jujutsu) IsRepository(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for {
		info, err := os.Stat(filepath.Join(abs, ".jj"))
		if err == nil && info.IsDir() {
			return true
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return false
		}
		abs = parent
	}
}

// ShouldIntegrate reports whether jj operations make sense for dir,
// with a reason when they do not.
func (v *Jujutsu) ShouldIntegrate(dir string) (bool, string) {
	if !v.Available() {
		return false, "jj not in PATH"
	}
	if !v.IsRepository(dir) {
		return false, "not a jj repository"
	}
	return true, ""
}

// CreateChange starts a new jj change described by the job, based on
// the given bookmark when it exists, else on main.
func (v *Jujutsu) CreateChange(ctx context.Context, dir, jobID, description, bookmark string) (string, error) {
	base := "main"
	if bookmark != "" && v.BookmarkExists(ctx, dir, bookmark) {
		base = bookmark
	}

	msg := fmt.Sprintf("[%s] %s", jobID, description)
	out, err := v.run(ctx, dir, "new", "-m", msg, base)
	if err != nil {
		return "", fmt.Errorf("create change: %w", err)
	}
	v.Log.Debug("jj change created", logx.String("id", jobID), logx.String("base", base))
	return strings.TrimSpace(out), nil
}

// BookmarkExists checks the repository's bookmark list for an exact name.
func (v *Jujutsu) BookmarkExists(ctx context.Context, dir, name string) bool {
	out, err := v.run(ctx, dir, "bookmark", "list", "--all")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		existing, _, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(existing) == name {
			return true
		}
	}
	return false
}

// SetBookmark points the bookmark at the current working-copy commit,
// creating it when it does not exist yet.
func (v *Jujutsu) SetBookmark(ctx context.Context, dir, name string) error {
	verb := "set"
	if !v.BookmarkExists(ctx, dir, name) {
		verb = "create"
	}
	if _, err := v.run(ctx, dir, "bookmark", verb, name); err != nil {
		return fmt.Errorf("bookmark %s %q: %w", verb, name, err)
	}
	return nil
}

// HasWorkingCopyChanges reports whether the working copy carries
// uncommitted changes (including untracked files).
func (v *Jujutsu) HasWorkingCopyChanges(ctx context.Context, dir string) (bool, error) {
	out, err := v.run(ctx, dir, "status")
	if err != nil {
		return false, fmt.Errorf("jj status: %w", err)
	}

	hasChanges := strings.Contains(out, "Working copy changes:") ||
		strings.Contains(out, "Added ") ||
		strings.Contains(out, "Modified ") ||
		strings.Contains(out, "Removed ")
	isClean := strings.Contains(out, "No changes.") ||
		strings.Contains(out, "The working copy is clean.")
	return hasChanges && !isClean, nil
}

func (v *Jujutsu) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "jj", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("jj %s: %s", args[0], msg)
	}
	return string(out), nil
}
