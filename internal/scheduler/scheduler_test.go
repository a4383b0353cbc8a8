package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func noop(context.Context) error { return nil }

func TestNew(t *testing.T) {
	s, err := New(noop, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, s.interval)
	assert.False(t, s.Running())

	s, err = New(noop, zap.NewNop(), WithInterval(time.Minute), WithName("cache-cleanup"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.interval)
	assert.Equal(t, "cache-cleanup", s.name)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, zap.NewNop())
	assert.ErrorContains(t, err, "job cannot be nil")

	_, err = New(noop, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := New(noop, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop())

	// A stopped scheduler can be started again.
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	var calls atomic.Int32
	s, err := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, zap.NewNop(), WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_RunOnStart(t *testing.T) {
	var calls atomic.Int32
	s, err := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, zap.NewNop(), WithInterval(time.Hour), WithRunOnStart(true))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	s, err := New(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, zap.NewNop(), WithRunOnStart(true))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	<-started

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not shut down within timeout")
	}

	total, failed := s.Runs()
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), failed)
}

func TestScheduler_FailuresAndPanicsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	s, err := New(func(context.Context) error {
		return errors.New("disk full")
	}, zap.New(core), WithName("memory-cleanup"))
	require.NoError(t, err)

	err = s.RunNow(context.Background())
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 1, logs.FilterMessage("scheduled job failed").Len())

	p, err := New(func(context.Context) error {
		panic("boom")
	}, zap.New(core))
	require.NoError(t, err)

	err = p.RunNow(context.Background())
	assert.ErrorContains(t, err, "job panicked: boom")
	assert.Equal(t, 1, logs.FilterMessage("scheduled job panicked, continuing").Len())

	total, failed := p.Runs()
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), failed)
}

func TestScheduler_JobTimeout(t *testing.T) {
	s, err := New(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, zap.NewNop(), WithJobTimeout(10*time.Millisecond))
	require.NoError(t, err)

	err = s.RunNow(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
