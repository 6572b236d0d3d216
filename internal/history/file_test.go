package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "claudeq/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close()

	ctx := context.Background()
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	for i, outcome := range []string{OutcomeSuccess, OutcomeFailure, OutcomeRateLimited} {
		require.NoError(t, st.Append(ctx, Attempt{
			At:      base.Add(time.Duration(i) * time.Minute),
			JobID:   "ab12cd34",
			Attempt: i,
			Outcome: outcome,
			Elapsed: 1500,
		}))
	}

	all, err := st.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, OutcomeSuccess, all[0].Outcome)
	assert.Equal(t, OutcomeRateLimited, all[2].Outcome)

	last, err := st.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, OutcomeFailure, last[0].Outcome)
	assert.Equal(t, OutcomeRateLimited, last[1].Outcome)
}

func TestFileStoreRequiresPath(t *testing.T) {
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}
