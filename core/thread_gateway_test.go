package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*ThreadGateway, *SingleThreadTaskRunner, *recordingPanicHandler) {
	t.Helper()
	ui := NewNamedSingleThreadTaskRunner("ui", NewNoOpLogger())
	t.Cleanup(ui.Stop)
	handler := &recordingPanicHandler{}
	return NewThreadGateway(ui, WithGatewayPanicHandler(handler), WithGatewayLogger(NewNoOpLogger())), ui, handler
}

// onUI runs fn on the interactive thread and waits for it.
func onUI(t *testing.T, ui *SingleThreadTaskRunner, fn func()) {
	t.Helper()
	done := make(chan struct{})
	ui.PostTask(func(ctx context.Context) {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("interactive thread did not run the task")
	}
}

// TestThreadGateway_Invoke verifies calls cross onto the interactive thread
func TestThreadGateway_Invoke(t *testing.T) {
	g, _, _ := newTestGateway(t)

	assert.False(t, g.IsInteractiveThread())

	var onThread bool
	err := g.Invoke(func() error {
		onThread = g.IsInteractiveThread()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, onThread)

	boom := errors.New("render failed")
	assert.ErrorIs(t, g.Invoke(func() error { return boom }), boom)
	assert.ErrorIs(t, g.Invoke(nil), ErrNilCallable)

	v, err := InvokeValue(g, func() (string, error) { return "entries", nil })
	require.NoError(t, err)
	assert.Equal(t, "entries", v)
}

// TestThreadGateway_ReentrantInlineExecution verifies no self-deadlock
// Given: Code already running on the interactive thread
// When: It calls Invoke, InvokeAsync, InvokeValue and TryInvoke
// Then: Each runs the callable inline before returning
func TestThreadGateway_ReentrantInlineExecution(t *testing.T) {
	g, ui, _ := newTestGateway(t)

	var steps []string
	onUI(t, ui, func() {
		require.NoError(t, g.Invoke(func() error {
			steps = append(steps, "invoke")
			return nil
		}))

		fut := g.InvokeAsync(func() error {
			steps = append(steps, "async")
			return nil
		})
		_, _, done := fut.Result()
		assert.True(t, done, "inline async future is already resolved")

		v, err := InvokeValue(g, func() (int, error) {
			steps = append(steps, "value")
			return 1, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, v)

		assert.True(t, g.TryInvoke(func() { steps = append(steps, "try") }, time.Millisecond))
	})

	assert.Equal(t, []string{"invoke", "async", "value", "try"}, steps)
}

// TestThreadGateway_PostOrdering verifies posts from the interactive thread are queued
func TestThreadGateway_PostOrdering(t *testing.T) {
	g, ui, _ := newTestGateway(t)

	var order []string
	onUI(t, ui, func() {
		require.NoError(t, g.Post(func() { order = append(order, "posted") }))
		order = append(order, "caller")
	})
	require.NoError(t, ui.WaitIdle(context.Background()))

	assert.Equal(t, []string{"caller", "posted"}, order)
	assert.ErrorIs(t, g.Post(nil), ErrNilCallable)
}

// TestThreadGateway_PanicIsolation verifies a panicking callable is reported
func TestThreadGateway_PanicIsolation(t *testing.T) {
	g, _, handler := newTestGateway(t)

	err := g.Invoke(func() error { panic("widget gone") })
	assert.ErrorIs(t, err, ErrInvocationPanicked)
	assert.Equal(t, 1, handler.count())

	assert.False(t, g.TryInvoke(func() { panic("again") }, time.Second))
	assert.Equal(t, 2, handler.count())

	// The interactive thread keeps working
	assert.NoError(t, g.Invoke(func() error { return nil }))
}

// TestThreadGateway_TryInvokeTimeout verifies pending dispatches are aborted
// Given: A busy interactive thread
// When: TryInvoke times out before its callable starts
// Then: It reports false and the callable never runs
func TestThreadGateway_TryInvokeTimeout(t *testing.T) {
	g, ui, _ := newTestGateway(t)

	gate := make(chan struct{})
	ui.PostTask(func(ctx context.Context) { <-gate })

	var ran atomic.Bool
	ok := g.TryInvoke(func() { ran.Store(true) }, 20*time.Millisecond)
	assert.False(t, ok)

	close(gate)
	require.NoError(t, ui.WaitIdle(context.Background()))
	assert.False(t, ran.Load(), "aborted callables must not run later")

	assert.True(t, g.TryInvoke(func() {}, time.Second))
	assert.False(t, g.TryInvoke(nil, time.Second))
}

// TestThreadGateway_ClosedDispatcher verifies calls fail once the thread stops
func TestThreadGateway_ClosedDispatcher(t *testing.T) {
	g, ui, _ := newTestGateway(t)
	ui.Stop()

	assert.ErrorIs(t, g.Post(func() {}), ErrDispatcherClosed)
	assert.ErrorIs(t, g.Invoke(func() error { return nil }), ErrDispatcherClosed)
	assert.False(t, g.TryInvoke(func() {}, 10*time.Millisecond))

	_, err := InvokeValueAsync(g, func() (int, error) { return 1, nil }).Get()
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

// TestThreadGateway_InvokeAsyncResolvesOnShutdown verifies queued calls do not hang
func TestThreadGateway_InvokeAsyncResolvesOnShutdown(t *testing.T) {
	g, ui, _ := newTestGateway(t)

	gate := make(chan struct{})
	ui.PostTask(func(ctx context.Context) { <-gate })

	fut := g.InvokeAsync(func() error { return nil })
	ui.Shutdown()
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}
