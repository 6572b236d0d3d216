package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "claudeq/pkg/logx"
)

func TestGoRunsAndWaits(t *testing.T) {
	s := New(context.Background())

	var ran atomic.Bool
	s.Go("worker", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	s.Wait()

	assert.True(t, ran.Load())
	assert.NoError(t, s.Err())

	active, started := s.Counters()
	assert.Equal(t, int64(0), active)
	assert.Equal(t, uint64(1), started)
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })
	s.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Wait()

	require.ErrorIs(t, s.Err(), boom)
}

func TestContextCanceledIsNotAnError(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel()
	s.Wait()

	assert.NoError(t, s.Err())
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	s.Go("panicky", func(ctx context.Context) error {
		panic("oh no")
	})
	s.Wait()

	err := s.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in panicky")
}

func TestStopTimeout(t *testing.T) {
	s := New(context.Background())

	release := make(chan struct{})
	s.Go0("stubborn", func(ctx context.Context) {
		<-release
	})

	assert.False(t, s.Stop(50*time.Millisecond))
	close(release)
	assert.True(t, s.Stop(time.Second))
}
