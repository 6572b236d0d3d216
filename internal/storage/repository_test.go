package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudeq/internal/queue"
	logx "claudeq/pkg/logx"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(t.TempDir(), logx.Nop())
	require.NoError(t, err)
	return r
}

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root, logx.Nop())
	require.NoError(t, err)

	for _, d := range []string{"queue", "completed", "failed", "tmp"} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir())
	}
}

func TestCreateGetUpdate(t *testing.T) {
	r := openTestRepo(t)

	j := queue.NewJob("do the thing")
	require.NoError(t, r.Create(j))

	// Duplicate ids are rejected.
	assert.Error(t, r.Create(j))

	got, bucket, err := r.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, BucketQueue, bucket)
	assert.Equal(t, j.Content, got.Content)

	got.AddLog("Execution started")
	got.RetryCount = 1
	require.NoError(t, r.Update(got))

	again, _, err := r.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.RetryCount)
	require.Len(t, again.ExecutionLog, 1)
}

func TestGetUnknownID(t *testing.T) {
	r := openTestRepo(t)
	_, _, err := r.Get("missing1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMoveBetweenBuckets(t *testing.T) {
	r := openTestRepo(t)

	j := queue.NewJob("finish me")
	require.NoError(t, r.Create(j))

	j.Status = queue.StatusCompleted
	require.NoError(t, r.Move(j, BucketCompleted))

	// Exactly one copy exists, in the target bucket.
	got, bucket, err := r.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, BucketCompleted, bucket)
	assert.Equal(t, queue.StatusCompleted, got.Status)

	queued, err := r.List(BucketQueue)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestCancelledStatusSurvivesFailedBucket(t *testing.T) {
	r := openTestRepo(t)

	j := queue.NewJob("abort me")
	require.NoError(t, r.Create(j))
	j.Status = queue.StatusCancelled
	require.NoError(t, r.Move(j, BucketFailed))

	got, bucket, err := r.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, BucketFailed, bucket)
	assert.Equal(t, queue.StatusCancelled, got.Status)
}

func TestLoadPendingRecoversExecuting(t *testing.T) {
	r := openTestRepo(t)

	crashed := queue.NewJob("interrupted")
	crashed.Status = queue.StatusExecuting
	crashed.RetryCount = 1
	crashed.AddLog("Execution started")
	require.NoError(t, r.Create(crashed))

	fine := queue.NewJob("untouched")
	require.NoError(t, r.Create(fine))

	jobs, err := r.LoadPending()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	got, _, err := r.Get(crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	// Recovery resets the status and nothing else.
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, got.ExecutionLog, 1)
}

func TestLoadPendingFinishesInterruptedMoves(t *testing.T) {
	r := openTestRepo(t)

	// A terminal status inside the queue bucket is a Move that crashed
	// after the rewrite but before the bucket rename.
	done := queue.NewJob("rewritten but not renamed")
	done.Status = queue.StatusCompleted
	require.NoError(t, r.Create(done))

	gone := queue.NewJob("cancelled mid move")
	gone.Status = queue.StatusCancelled
	require.NoError(t, r.Create(gone))

	jobs, err := r.LoadPending()
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, bucket, err := r.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, BucketCompleted, bucket)

	got, bucket, err := r.Get(gone.ID)
	require.NoError(t, err)
	assert.Equal(t, BucketFailed, bucket)
	assert.Equal(t, queue.StatusCancelled, got.Status)
}

func TestCorruptRecordIsQuarantined(t *testing.T) {
	r := openTestRepo(t)

	good := queue.NewJob("good record")
	require.NoError(t, r.Create(good))

	bad := filepath.Join(r.QueueDir(), "bad0bad0-broken.md")
	require.NoError(t, os.WriteFile(bad, []byte("---\nid: bad0bad0\nstatus: nonsense\n---\n\nx\n"), 0o644))

	jobs, err := r.LoadPending()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, good.ID, jobs[0].ID)

	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(r.Root(), "quarantine", "bad0bad0-broken.md"))
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	r := openTestRepo(t)

	j := queue.NewJob("short lived")
	require.NoError(t, r.Create(j))
	require.NoError(t, r.Delete(j.ID))

	_, _, err := r.Get(j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(j.ID), ErrNotFound)
}

func TestStateRoundTrip(t *testing.T) {
	r := openTestRepo(t)

	// Missing file yields a zero state, not an error.
	st, err := r.LoadState()
	require.NoError(t, err)
	assert.Equal(t, queue.QueueState{}, *st)

	st.Added = 4
	st.Completed = 2
	st.SetRateLimited(time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC))
	require.NoError(t, r.SaveState(st))

	got, err := r.LoadState()
	require.NoError(t, err)
	assert.Equal(t, 4, got.Added)
	assert.Equal(t, 2, got.Completed)
	assert.True(t, got.RateLimited)
	assert.Equal(t, 1, got.RateLimitedCount)
	assert.True(t, got.EstimatedResetAt.Equal(st.EstimatedResetAt))
}

func TestCorruptStateResets(t *testing.T) {
	r := openTestRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), "state.json"), []byte("{nope"), 0o644))

	st, err := r.LoadState()
	require.NoError(t, err)
	assert.Equal(t, queue.QueueState{}, *st)
}
