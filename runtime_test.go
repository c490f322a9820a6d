package enginerunner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-engine-runner/core"
)

func newTestRuntime(t *testing.T, usage *atomic.Int64, opts ...Option) *Runtime {
	t.Helper()
	monitorCfg := core.DefaultMonitorConfig()
	monitorCfg.Interval = time.Hour
	monitorCfg.Sampler = core.UsageSamplerFunc(func() (int64, error) { return usage.Load(), nil })

	trackerCfg := core.DefaultTrackerConfig()
	trackerCfg.AutoCleanup = false
	trackerCfg.Sampler = monitorCfg.Sampler

	queueCfg := core.DefaultQueueConfig()
	queueCfg.LockOSThread = false

	all := append([]Option{
		WithQueueConfig(*queueCfg),
		WithMonitorConfig(*monitorCfg),
		WithTrackerConfig(*trackerCfg),
	}, opts...)
	rt, err := NewRuntime(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt
}

func TestRuntime_StartStop(t *testing.T) {
	// Given: a runtime
	var usage atomic.Int64
	rt := newTestRuntime(t, &usage)

	// When: started twice
	require.NoError(t, rt.Start())
	require.NoError(t, rt.Start())

	// Then: every component runs
	assert.True(t, rt.IsRunning())
	assert.True(t, rt.Queue().IsRunning())
	assert.True(t, rt.Monitor().IsRunning())

	// When: stopped twice
	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))

	// Then: the queue is disposed and the runtime cannot restart
	assert.False(t, rt.IsRunning())
	assert.False(t, rt.Monitor().IsRunning())
	_, err := Submit(rt, "late", PriorityNormal, func(ctx context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, core.ErrQueueDisposed)
	assert.ErrorIs(t, rt.Start(), core.ErrQueueDisposed)
}

func TestRuntime_HighPressureCancelsLowValueWork(t *testing.T) {
	// Given: a runtime whose queue holds Low, Normal and low-value work
	var usage atomic.Int64
	usage.Store(100 * core.MiB)
	rt := newTestRuntime(t, &usage, WithLowValueOperations("thumbnail"))

	body := func(ctx context.Context) (int, error) { return 1, nil }
	low, err := Submit(rt, "prefetch", PriorityLow, body)
	require.NoError(t, err)
	thumb, err := Submit(rt, "thumbnail", PriorityNormal, body)
	require.NoError(t, err)
	keep, err := Submit(rt, "list", PriorityNormal, body)
	require.NoError(t, err)

	// When: the monitor observes High pressure
	usage.Store(1536 * core.MiB)
	rt.Monitor().Tick()
	rt.Policy().Wait()

	// Then: the Low lane and low-value names are canceled, the rest survives
	_, err = low.Get()
	assert.ErrorIs(t, err, core.ErrOperationCanceled)
	_, err = thumb.Get()
	assert.ErrorIs(t, err, core.ErrOperationCanceled)
	assert.False(t, keep.IsCanceled())

	require.NoError(t, rt.Start())
	v, err := keep.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRuntime_CriticalPressureCancelsEverything(t *testing.T) {
	var usage atomic.Int64
	rt := newTestRuntime(t, &usage)

	var futures []*Future[int]
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		fut, err := Submit(rt, "work", p, func(ctx context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
		futures = append(futures, fut)
	}

	usage.Store(3 * core.GiB)
	rt.Monitor().Tick()
	rt.Policy().Wait()

	for _, fut := range futures {
		_, err := fut.Get()
		assert.True(t, errors.Is(err, context.Canceled))
	}
	assert.Equal(t, 0, rt.Queue().Status().QueuedOperations)
}

func TestRuntime_Gateway(t *testing.T) {
	// Without an interactive runner there is no gateway
	var usage atomic.Int64
	rt := newTestRuntime(t, &usage)
	assert.Nil(t, rt.Gateway())

	// With one, replies land on the interactive thread
	ui := NewSingleThreadTaskRunner()
	defer ui.Stop()
	rt = newTestRuntime(t, &usage, WithInteractiveRunner(ui))
	require.NotNil(t, rt.Gateway())
	require.NoError(t, rt.Start())

	onUI := make(chan bool, 1)
	_, err := core.SubmitAndReply(rt.Queue(), "stat", PriorityHigh,
		func(ctx context.Context) (int, error) { return 7, nil },
		rt.Gateway(),
		func(v int, err error) { onUI <- rt.Gateway().IsInteractiveThread() && v == 7 && err == nil },
	)
	require.NoError(t, err)

	select {
	case ok := <-onUI:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered")
	}
}

func TestRuntime_StopHonorsContext(t *testing.T) {
	var usage atomic.Int64
	rt := newTestRuntime(t, &usage)
	require.NoError(t, rt.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An already canceled context may win the race against shutdown, but
	// Stop must return either way.
	err := rt.Stop(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
