package storage

import (
	"fmt"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"claudeq/internal/queue"
)

// Job records are markdown files: a YAML frontmatter block, the free-text
// prompt content, then an appended execution log section.
//
//	---
//	id: ab12cd34
//	priority: 1
//	...
//	---
//
//	<content>
//
//	## Execution Log
//
//	[2026-01-15 14:30:00] Started execution (attempt 1/3)
//
// The record round-trips losslessly: content written by EncodeJob is
// reproduced byte for byte by DecodeJob, including edge whitespace. The
// log section is delimited by a blank line followed by the header line,
// and the log is always the last such section in the file, so content
// may even mention the header text. A record that has no log but whose
// content ends with the delimiter sequence is the one reserved case.
//
// Files dropped into the queue bucket by hand may omit the frontmatter;
// their content is whitespace-trimmed, defaults apply and the id comes
// from the filename prefix.

const (
	fmFence   = "---"
	logHeader = "## Execution Log"
)

const timeLayout = time.RFC3339

type frontmatter struct {
	ID               string   `yaml:"id,omitempty"`
	Priority         int      `yaml:"priority"`
	CreatedAt        string   `yaml:"created_at,omitempty"`
	Status           string   `yaml:"status,omitempty"`
	RetryCount       int      `yaml:"retry_count"`
	MaxRetries       int      `yaml:"max_retries"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
	ContextFiles     []string `yaml:"context_files,omitempty"`
	Model            string   `yaml:"model,omitempty"`
	PermissionMode   string   `yaml:"permission_mode,omitempty"`
	AllowedTools     []string `yaml:"allowed_tools,omitempty"`
	Timeout          int      `yaml:"timeout,omitempty"`
	Bookmark         string   `yaml:"bookmark,omitempty"`
	EstimatedTokens  int      `yaml:"estimated_tokens,omitempty"`
	NotBefore        string   `yaml:"not_before,omitempty"`
	LastExecuted     string   `yaml:"last_executed,omitempty"`
}

// EncodeJob renders a job to its on-disk record form.
func EncodeJob(j *queue.Job) ([]byte, error) {
	fm := frontmatter{
		ID:               j.ID,
		Priority:         j.Priority,
		Status:           string(j.Status),
		RetryCount:       j.RetryCount,
		MaxRetries:       j.MaxRetries,
		WorkingDirectory: j.WorkingDirectory,
		ContextFiles:     j.ContextFiles,
		Model:            j.Model,
		PermissionMode:   j.PermissionMode,
		AllowedTools:     j.AllowedTools,
		Timeout:          j.TimeoutSeconds,
		Bookmark:         j.VCSBookmark,
		EstimatedTokens:  j.EstimatedTokens,
	}
	if !j.CreatedAt.IsZero() {
		fm.CreatedAt = j.CreatedAt.Format(timeLayout)
	}
	if !j.NotBeforeTime.IsZero() {
		fm.NotBefore = j.NotBeforeTime.Format(timeLayout)
	}
	if !j.LastExecutedAt.IsZero() {
		fm.LastExecuted = j.LastExecutedAt.Format(timeLayout)
	}

	meta, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString(fmFence)
	b.WriteByte('\n')
	b.Write(meta)
	b.WriteString(fmFence)
	b.WriteString("\n\n")
	b.WriteString(j.Content)
	b.WriteByte('\n')

	if len(j.ExecutionLog) > 0 {
		b.WriteByte('\n')
		b.WriteString(logHeader)
		b.WriteString("\n\n")
		for _, e := range j.ExecutionLog {
			b.WriteString(e.String())
			b.WriteByte('\n')
		}
	}

	return []byte(b.String()), nil
}

// DecodeJob parses a record. fallbackID is the id derived from the
// filename, used when the frontmatter omits one.
func DecodeJob(data []byte, fallbackID string) (*queue.Job, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	var fm frontmatter
	body := text
	canonical := false
	if rest, ok := strings.CutPrefix(text, fmFence+"\n"); ok {
		meta, after, found := strings.Cut(rest, "\n"+fmFence)
		if !found {
			return nil, fmt.Errorf("unterminated frontmatter")
		}
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
		// EncodeJob always writes a blank line after the fence; a single
		// newline marks a hand-written record.
		if body, canonical = strings.CutPrefix(after, "\n\n"); !canonical {
			body = strings.TrimPrefix(after, "\n")
		}
	}

	content := body
	var logText string
	logSep := "\n\n" + logHeader + "\n"
	if i := strings.LastIndex(body, logSep); i >= 0 {
		content = body[:i+1]
		logText = body[i+len(logSep):]
	} else if !canonical {
		if i := strings.Index(body, logHeader); i >= 0 {
			content = body[:i]
			logText = body[i+len(logHeader):]
		}
	}
	if canonical {
		// Drop the single newline EncodeJob appends after the content.
		content = strings.TrimSuffix(content, "\n")
	} else {
		content = strings.TrimSpace(content)
	}

	j := &queue.Job{
		ID:               strings.TrimSpace(fm.ID),
		Content:          content,
		Priority:         fm.Priority,
		Status:           queue.Status(fm.Status),
		RetryCount:       fm.RetryCount,
		MaxRetries:       fm.MaxRetries,
		WorkingDirectory: fm.WorkingDirectory,
		ContextFiles:     fm.ContextFiles,
		Model:            fm.Model,
		PermissionMode:   fm.PermissionMode,
		AllowedTools:     fm.AllowedTools,
		TimeoutSeconds:   fm.Timeout,
		VCSBookmark:      fm.Bookmark,
		EstimatedTokens:  fm.EstimatedTokens,
	}
	if j.ID == "" {
		j.ID = fallbackID
	}
	if j.Status == "" {
		j.Status = queue.StatusQueued
	}
	if j.WorkingDirectory == "" {
		j.WorkingDirectory = "."
	}
	if j.MaxRetries == 0 && fm.CreatedAt == "" && fm.Status == "" {
		// Hand-dropped file without frontmatter bookkeeping.
		j.MaxRetries = 3
	}

	var err error
	if j.CreatedAt, err = parseTimeField("created_at", fm.CreatedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().Truncate(time.Second)
	}
	if j.NotBeforeTime, err = parseTimeField("not_before", fm.NotBefore); err != nil {
		return nil, err
	}
	if j.LastExecutedAt, err = parseTimeField("last_executed", fm.LastExecuted); err != nil {
		return nil, err
	}

	for _, line := range strings.Split(logText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		j.ExecutionLog = append(j.ExecutionLog, queue.ParseLogEntry(line))
	}

	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

func parseTimeField(name, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return t, nil
}

// RecordFilename builds the canonical "<id>-<slug>.md" name for a job.
func RecordFilename(j *queue.Job) string {
	slug := slugify(j.Content, 50)
	if slug == "" {
		return j.ID + ".md"
	}
	return j.ID + "-" + slug + ".md"
}

// IDFromFilename extracts the job id from a record filename: the
// segment before the first dash (or the whole stem).
func IDFromFilename(name string) string {
	stem := strings.TrimSuffix(name, ".md")
	if i := strings.IndexByte(stem, '-'); i > 0 {
		return stem[:i]
	}
	return stem
}

func slugify(s string, maxLen int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
