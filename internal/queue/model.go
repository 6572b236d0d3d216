package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued job.
//
// Transitions are restricted to the table encoded in CanTransition;
// callers commit transitions through the scheduler, never by writing
// the field directly.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether s -> to is a legal edge.
//
//	queued    -> executing, cancelled
//	executing -> queued (throttled or retryable failure), completed,
//	             failed, cancelled
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusExecuting || to == StatusCancelled
	case StatusExecuting:
		return to == StatusQueued || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// ValidPermissionModes are the permission modes accepted by the agent CLI.
var ValidPermissionModes = map[string]bool{
	"acceptEdits":       true,
	"bypassPermissions": true,
	"default":           true,
	"delegate":          true,
	"dontAsk":           true,
	"plan":              true,
}

// LogEntry is one timestamped line of a job's execution log.
type LogEntry struct {
	At      time.Time
	Message string
}

const logTimeLayout = "2006-01-02 15:04:05"

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s", e.At.Format(logTimeLayout), e.Message)
}

// ParseLogEntry parses a "[ts] message" line. Lines without a valid
// timestamp prefix are returned as a message-only entry.
func ParseLogEntry(line string) LogEntry {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "] "); end > 0 {
			if at, err := time.ParseInLocation(logTimeLayout, line[1:end], time.Local); err == nil {
				return LogEntry{At: at, Message: line[end+2:]}
			}
		}
	}
	return LogEntry{Message: line}
}

// Job is one unit of work awaiting execution by the agent CLI.
type Job struct {
	ID        string
	Content   string
	Priority  int // lower value = served first
	CreatedAt time.Time
	Status    Status

	RetryCount int
	MaxRetries int

	// Execution parameters, carried opaquely to the executor.
	WorkingDirectory string
	ContextFiles     []string
	Model            string
	PermissionMode   string
	AllowedTools     []string
	TimeoutSeconds   int // 0 = daemon default
	VCSBookmark      string
	EstimatedTokens  int

	ExecutionLog   []LogEntry
	NotBeforeTime  time.Time // zero = always eligible
	LastExecutedAt time.Time
}

// NewJob builds a queued job with a fresh id and creation time.
func NewJob(content string) *Job {
	return &Job{
		ID:               NewID(),
		Content:          content,
		WorkingDirectory: ".",
		CreatedAt:        time.Now().Truncate(time.Second),
		Status:           StatusQueued,
		MaxRetries:       3,
	}
}

// NewID returns an 8-char job identifier.
func NewID() string {
	return uuid.New().String()[:8]
}

// Validate checks fields that storage and the executor rely on.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: invalid status %q", j.ID, j.Status)
	}
	if j.PermissionMode != "" && !ValidPermissionModes[j.PermissionMode] {
		return fmt.Errorf("job %s: invalid permission mode %q", j.ID, j.PermissionMode)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("job %s: max retries must be >= 0", j.ID)
	}
	return nil
}

// AddLog appends a timestamped entry to the execution log.
// Timestamps are second-granular so records round-trip through storage.
func (j *Job) AddLog(message string) {
	j.ExecutionLog = append(j.ExecutionLog, LogEntry{
		At:      time.Now().Truncate(time.Second),
		Message: message,
	})
}

// CanRetry reports whether another attempt is allowed after a
// non-throttling failure.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Eligible reports whether the job may be selected at the given time.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	return j.NotBeforeTime.IsZero() || !j.NotBeforeTime.After(now)
}

// Timeout returns the per-job timeout, or def when unset.
func (j *Job) Timeout(def time.Duration) time.Duration {
	if j.TimeoutSeconds > 0 {
		return time.Duration(j.TimeoutSeconds) * time.Second
	}
	return def
}

// ShortContent returns the first line of content truncated for display.
func (j *Job) ShortContent(maxLen int) string {
	s := j.Content
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if maxLen > 3 && len(s) > maxLen {
		s = strings.TrimSpace(s[:maxLen-3]) + "..."
	}
	return s
}

// SelectNext returns the eligible queued job with the lowest
// (priority, createdAt) pair, or nil when none is eligible.
//
// Selection is deterministic: ties on priority fall back to the oldest
// CreatedAt, then to the id so equal-timestamp fixtures stay stable.
func SelectNext(jobs []*Job, now time.Time) *Job {
	eligible := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if j != nil && j.Eligible(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(a, b int) bool {
		ja, jb := eligible[a], eligible[b]
		if ja.Priority != jb.Priority {
			return ja.Priority < jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})
	return eligible[0]
}
