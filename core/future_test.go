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

// TestFuture_ResolvesOnce verifies only the first resolution sticks
// Given: A pending future
// When: It is resolved twice
// Then: The first value wins and the second resolve reports false
func TestFuture_ResolvesOnce(t *testing.T) {
	f := newFuture[int]()

	_, _, ok := f.Result()
	assert.False(t, ok, "pending future should not have a result")

	assert.True(t, f.resolve(1, nil))
	assert.False(t, f.resolve(2, errors.New("late")))

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

// TestFuture_WaitHonorsContext verifies Wait gives up with the context
func TestFuture_WaitHonorsContext(t *testing.T) {
	f := newFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.resolve("done", nil)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

// TestFuture_Callbacks verifies onDone runs once, before or after resolution
// Given: One callback registered before and one after resolving
// When: The future resolves
// Then: Both callbacks run exactly once
func TestFuture_Callbacks(t *testing.T) {
	f := newFuture[int]()
	var calls atomic.Int32

	f.onDone(func() { calls.Add(1) })
	f.resolve(7, nil)
	f.onDone(func() { calls.Add(1) })
	f.resolve(8, nil)

	assert.Equal(t, int32(2), calls.Load())
}

func TestFuture_IsCanceled(t *testing.T) {
	canceled := newFuture[int]()
	canceled.resolve(0, cancelCause(ReasonCancelAll))
	assert.True(t, canceled.IsCanceled())

	failed := newFuture[int]()
	failed.resolve(0, errors.New("boom"))
	assert.False(t, failed.IsCanceled())

	pending := newFuture[int]()
	assert.False(t, pending.IsCanceled())
}
