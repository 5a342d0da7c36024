package workers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/workers"
)

func newPool(t *testing.T, cfg *workers.PoolConfig) *workers.Pool {
	t.Helper()
	p := workers.NewPool(zap.NewNop(), cfg)
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := newPool(t, nil)

	err := p.SubmitWait(workers.TaskFunc(func(context.Context) error { return nil }))
	require.NoError(t, err)

	boom := errors.New("backtest blew up")
	err = p.SubmitWait(workers.TaskFunc(func(context.Context) error { return boom }))
	assert.ErrorIs(t, err, boom, "task errors surface to the waiting caller")

	// Counters land just after the waiter unblocks.
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.TasksCompleted == 1 && s.TasksFailed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, p.Stats().TasksSubmitted)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), nil)
	p.Start()
	assert.True(t, p.IsRunning())

	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())

	err := p.Submit(workers.TaskFunc(func(context.Context) error { return nil }))
	assert.ErrorIs(t, err, workers.ErrPoolStopped)

	assert.NoError(t, p.Stop(), "stopping twice is harmless")
}

func TestPoolRecoversFromPanics(t *testing.T) {
	cfg := workers.DefaultPoolConfig("panicky")
	cfg.NumWorkers = 1
	p := newPool(t, cfg)

	require.NoError(t, p.Submit(workers.TaskFunc(func(context.Context) error {
		panic("indicator column out of range")
	})))

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.PanicRecovered == 1 && s.TasksFailed == 1
	}, 2*time.Second, 5*time.Millisecond, "a panicking task counts as failed, not as a dead worker")

	// The worker survives and keeps serving.
	require.NoError(t, p.SubmitWait(workers.TaskFunc(func(context.Context) error { return nil })))
}

func TestPoolBoundsQueue(t *testing.T) {
	cfg := workers.DefaultPoolConfig("bounded")
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	p := newPool(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, p.Submit(workers.TaskFunc(func(context.Context) error {
		close(started)
		<-release
		return nil
	})))
	<-started

	// Worker busy, one slot queued: the next submit must bounce rather
	// than block the claim loop.
	require.NoError(t, p.Submit(workers.TaskFunc(func(context.Context) error { return nil })))
	err := p.Submit(workers.TaskFunc(func(context.Context) error { return nil }))
	assert.ErrorIs(t, err, workers.ErrQueueFull)
	assert.Equal(t, 1, p.QueueLength())
}

func TestPoolTimesOutStuckTasks(t *testing.T) {
	cfg := workers.DefaultPoolConfig("timeouts")
	cfg.NumWorkers = 1
	cfg.TaskTimeout = 20 * time.Millisecond
	p := newPool(t, cfg)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Submit(workers.TaskFunc(func(context.Context) error {
		<-release
		return nil
	})))

	require.Eventually(t, func() bool {
		return p.Stats().TasksTimeout == 1
	}, 2*time.Second, 5*time.Millisecond, "the worker gives up on the stuck task")
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := workers.DefaultPoolConfig("stage")
	assert.Equal(t, "stage", cfg.Name)
	assert.Positive(t, cfg.NumWorkers)
	assert.Positive(t, cfg.QueueSize)
	assert.True(t, cfg.PanicRecovery)
}
