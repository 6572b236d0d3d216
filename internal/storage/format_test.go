package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudeq/internal/queue"
)

func sampleJob() *queue.Job {
	j := &queue.Job{
		ID:               "ab12cd34",
		Content:          "Refactor the parser\n\nKeep the public API stable.",
		Priority:         2,
		CreatedAt:        time.Date(2026, 2, 3, 10, 30, 0, 0, time.Local),
		Status:           queue.StatusQueued,
		RetryCount:       1,
		MaxRetries:       3,
		WorkingDirectory: "/tmp/project",
		ContextFiles:     []string{"notes.md", "api.go"},
		Model:            "opus",
		PermissionMode:   "acceptEdits",
		AllowedTools:     []string{"Bash", "Edit"},
		TimeoutSeconds:   1800,
		VCSBookmark:      "queue-work",
		EstimatedTokens:  1200,
		NotBeforeTime:    time.Date(2026, 2, 3, 15, 0, 0, 0, time.Local),
		LastExecutedAt:   time.Date(2026, 2, 3, 11, 0, 0, 0, time.Local),
	}
	j.ExecutionLog = []queue.LogEntry{
		{At: time.Date(2026, 2, 3, 11, 0, 0, 0, time.Local), Message: "Execution started"},
		{At: time.Date(2026, 2, 3, 11, 5, 0, 0, time.Local), Message: "Attempt 1 failed: network error"},
	}
	return j
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleJob()

	data, err := EncodeJob(want)
	require.NoError(t, err)

	got, err := DecodeJob(data, "xxxxxxxx")
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.Priority, got.Priority)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.RetryCount, got.RetryCount)
	assert.Equal(t, want.MaxRetries, got.MaxRetries)
	assert.Equal(t, want.WorkingDirectory, got.WorkingDirectory)
	assert.Equal(t, want.ContextFiles, got.ContextFiles)
	assert.Equal(t, want.Model, got.Model)
	assert.Equal(t, want.PermissionMode, got.PermissionMode)
	assert.Equal(t, want.AllowedTools, got.AllowedTools)
	assert.Equal(t, want.TimeoutSeconds, got.TimeoutSeconds)
	assert.Equal(t, want.VCSBookmark, got.VCSBookmark)
	assert.Equal(t, want.EstimatedTokens, got.EstimatedTokens)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.NotBeforeTime.Equal(got.NotBeforeTime))
	assert.True(t, want.LastExecutedAt.Equal(got.LastExecutedAt))

	require.Len(t, got.ExecutionLog, 2)
	for i := range want.ExecutionLog {
		assert.True(t, want.ExecutionLog[i].At.Equal(got.ExecutionLog[i].At))
		assert.Equal(t, want.ExecutionLog[i].Message, got.ExecutionLog[i].Message)
	}
}

func TestContentRoundTripsExactly(t *testing.T) {
	contents := []string{
		"  indented first line with a trailing space ",
		"ends with blank lines\n\n",
		"\nstarts with a blank line",
	}
	for _, content := range contents {
		j := sampleJob()
		j.Content = content

		data, err := EncodeJob(j)
		require.NoError(t, err)
		got, err := DecodeJob(data, "xxxxxxxx")
		require.NoError(t, err)
		assert.Equal(t, content, got.Content)
		assert.Len(t, got.ExecutionLog, 2)

		j.ExecutionLog = nil
		data, err = EncodeJob(j)
		require.NoError(t, err)
		got, err = DecodeJob(data, "xxxxxxxx")
		require.NoError(t, err)
		assert.Equal(t, content, got.Content)
		assert.Empty(t, got.ExecutionLog)
	}
}

func TestContentMentioningLogHeaderSplitsAtLastSection(t *testing.T) {
	j := sampleJob()
	j.Content = "Document the record format:\n\n## Execution Log\n\nis the appended section."

	data, err := EncodeJob(j)
	require.NoError(t, err)
	got, err := DecodeJob(data, "xxxxxxxx")
	require.NoError(t, err)

	assert.Equal(t, j.Content, got.Content)
	require.Len(t, got.ExecutionLog, 2)
	assert.Equal(t, "Execution started", got.ExecutionLog[0].Message)
}

func TestEncodeLayout(t *testing.T) {
	data, err := EncodeJob(sampleJob())
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasPrefix(text, "---\n"))
	assert.Contains(t, text, "\n---\n\nRefactor the parser")
	assert.Contains(t, text, "\n## Execution Log\n")
	assert.Contains(t, text, "[2026-02-03 11:00:00] Execution started")
}

func TestDecodeHandDroppedFile(t *testing.T) {
	// A bare prompt dropped into the queue dir by hand: no frontmatter.
	got, err := DecodeJob([]byte("Fix the flaky test in scheduler\n"), "cafe0123")
	require.NoError(t, err)

	assert.Equal(t, "cafe0123", got.ID)
	assert.Equal(t, "Fix the flaky test in scheduler", got.Content)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, ".", got.WorkingDirectory)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestDecodeRejectsCorruptRecords(t *testing.T) {
	_, err := DecodeJob([]byte("---\nid: x\nno terminator"), "x")
	assert.Error(t, err)

	_, err = DecodeJob([]byte("---\n{not yaml\n---\n\nbody\n"), "x")
	assert.Error(t, err)

	_, err = DecodeJob([]byte("---\nid: ab12cd34\nstatus: bogus\n---\n\nbody\n"), "x")
	assert.Error(t, err)
}

func TestRecordFilename(t *testing.T) {
	j := &queue.Job{ID: "ab12cd34", Content: "Fix the Flaky Test!! (again)\nsecond line ignored"}
	name := RecordFilename(j)
	assert.Equal(t, "ab12cd34-fix-the-flaky-test-again.md", name)
	assert.Equal(t, "ab12cd34", IDFromFilename(name))

	empty := &queue.Job{ID: "deadbeef", Content: "!!!"}
	assert.Equal(t, "deadbeef.md", RecordFilename(empty))
	assert.Equal(t, "deadbeef", IDFromFilename("deadbeef.md"))
}
