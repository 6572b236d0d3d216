package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusExecuting, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusFailed, false},
		{StatusExecuting, StatusQueued, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusFailed, true},
		{StatusExecuting, StatusCancelled, true},
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusExecuting, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestNewJobDefaults(t *testing.T) {
	j := NewJob("write tests")
	require.Len(t, j.ID, 8)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 3, j.MaxRetries)
	assert.Equal(t, ".", j.WorkingDirectory)
	assert.Equal(t, j.CreatedAt, j.CreatedAt.Truncate(time.Second))
	require.NoError(t, j.Validate())
}

func TestValidateRejectsBadPermissionMode(t *testing.T) {
	j := NewJob("x")
	j.PermissionMode = "yolo"
	assert.Error(t, j.Validate())

	j.PermissionMode = "acceptEdits"
	assert.NoError(t, j.Validate())
}

func TestLogEntryRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	e := LogEntry{At: at, Message: "Execution started"}

	got := ParseLogEntry(e.String())
	assert.True(t, got.At.Equal(at))
	assert.Equal(t, "Execution started", got.Message)
}

func TestParseLogEntryWithoutTimestamp(t *testing.T) {
	got := ParseLogEntry("plain line")
	assert.True(t, got.At.IsZero())
	assert.Equal(t, "plain line", got.Message)
}

func TestEligibleHonorsNotBefore(t *testing.T) {
	now := time.Now()
	j := NewJob("held")
	assert.True(t, j.Eligible(now))

	j.NotBeforeTime = now.Add(time.Hour)
	assert.False(t, j.Eligible(now))
	assert.True(t, j.Eligible(now.Add(2*time.Hour)))

	j.NotBeforeTime = time.Time{}
	j.Status = StatusExecuting
	assert.False(t, j.Eligible(now))
}

func TestSelectNextOrdering(t *testing.T) {
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)

	mk := func(id string, prio int, created time.Time) *Job {
		return &Job{ID: id, Content: id, Status: StatusQueued, Priority: prio, CreatedAt: created}
	}

	jobs := []*Job{
		mk("cccccccc", 1, base),
		mk("aaaaaaaa", 0, base.Add(time.Minute)),
		mk("bbbbbbbb", 0, base),
	}

	// Lowest priority wins; within a priority the oldest wins.
	got := SelectNext(jobs, now)
	require.NotNil(t, got)
	assert.Equal(t, "bbbbbbbb", got.ID)

	// Equal timestamps fall back to id order.
	jobs = []*Job{mk("zzzzzzzz", 0, base), mk("mmmmmmmm", 0, base)}
	got = SelectNext(jobs, now)
	require.NotNil(t, got)
	assert.Equal(t, "mmmmmmmm", got.ID)
}

func TestSelectNextSkipsHeldAndNonQueued(t *testing.T) {
	now := time.Now()
	held := NewJob("held")
	held.NotBeforeTime = now.Add(time.Hour)
	running := NewJob("running")
	running.Status = StatusExecuting

	assert.Nil(t, SelectNext([]*Job{held, running}, now))

	ready := NewJob("ready")
	ready.Priority = 9
	got := SelectNext([]*Job{held, running, ready}, now)
	require.NotNil(t, got)
	assert.Equal(t, ready.ID, got.ID)
}

func TestShortContent(t *testing.T) {
	j := NewJob("first line of a rather long prompt that keeps going\nsecond line")
	assert.Equal(t, "first line of a rather long prompt that keeps going", j.ShortContent(80))
	assert.Equal(t, "first line of a...", j.ShortContent(18))
}

func TestCanRetry(t *testing.T) {
	j := NewJob("x")
	j.MaxRetries = 2
	assert.True(t, j.CanRetry())
	j.RetryCount = 1
	assert.True(t, j.CanRetry())
	j.RetryCount = 2
	assert.False(t, j.CanRetry())
}

func TestQueueStateRateLimitFlag(t *testing.T) {
	var st QueueState
	reset := time.Now().Add(time.Hour)

	st.SetRateLimited(reset)
	assert.True(t, st.RateLimited)
	assert.True(t, st.EstimatedResetAt.Equal(reset))
	assert.Equal(t, 1, st.RateLimitedCount)

	st.ClearRateLimited()
	assert.False(t, st.RateLimited)
	assert.True(t, st.EstimatedResetAt.IsZero())
	// The counter survives the clear.
	assert.Equal(t, 1, st.RateLimitedCount)
}
