package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrQueueDisposed is returned by Submit once the queue has been disposed.
	ErrQueueDisposed = errors.New("operation queue is disposed")

	// ErrQueueFull is returned by Submit when the configured capacity is exhausted.
	ErrQueueFull = errors.New("operation queue is full")

	// ErrQueueRunning is returned by Start while a stopped worker is still finishing its operation.
	ErrQueueRunning = errors.New("operation queue worker is still running")

	// ErrWorkerAbandoned is returned when the worker did not exit within the stop timeout.
	// The queue must be treated as unusable afterwards.
	ErrWorkerAbandoned = errors.New("operation worker did not stop in time and was abandoned")

	// ErrOperationCanceled resolves the future of a canceled operation.
	// It wraps context.Canceled so errors.Is(err, context.Canceled) holds.
	ErrOperationCanceled = fmt.Errorf("operation canceled: %w", context.Canceled)

	// ErrOperationPanicked wraps the panic value of a body that panicked.
	ErrOperationPanicked = errors.New("operation panicked")

	ErrEmptyOperationName = errors.New("operation name must not be empty")
	ErrNilBody            = errors.New("operation body must not be nil")
	ErrInvalidPriority    = errors.New("invalid operation priority")

	// ErrInvalidThresholds is returned for threshold tables that are not strictly increasing and positive.
	ErrInvalidThresholds = errors.New("invalid memory thresholds")

	ErrNilResource       = errors.New("resource must not be nil")
	ErrEmptyResourceName = errors.New("resource name must not be empty")
	ErrNotCloser         = errors.New("resource does not implement io.Closer")
	ErrInvalidPattern    = errors.New("invalid resource name pattern")

	// ErrDispatcherClosed is returned when the interactive runner stopped before a call could run.
	ErrDispatcherClosed = errors.New("interactive dispatcher is closed")

	// ErrInvocationPanicked wraps the panic value of a marshaled callable.
	ErrInvocationPanicked = errors.New("invocation panicked")

	ErrNilCallable = errors.New("callable must not be nil")
)

// Cancellation reasons reported in OperationCanceled events.
const (
	ReasonCancelCurrent = "cancel current"
	ReasonCancelAll     = "cancel all"
	ReasonCancelByName  = "cancel by name"
	ReasonCancelLane    = "cancel by priority"
	ReasonQueueStopped  = "queue stopped"
	ReasonCaller        = "caller context done"
)

func cancelCause(reason string) error {
	return fmt.Errorf("%w: %s", ErrOperationCanceled, reason)
}

// cancelReason extracts a human readable reason from a cancellation cause.
func cancelReason(cause error) string {
	switch {
	case cause == nil:
		return ReasonCaller
	case errors.Is(cause, ErrOperationCanceled):
		msg := cause.Error()
		prefix := ErrOperationCanceled.Error() + ": "
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
		return msg
	case errors.Is(cause, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return ReasonCaller
	}
}

// canceledError converts a cancellation cause into the error stored in a future.
func canceledError(cause error) error {
	if errors.Is(cause, ErrOperationCanceled) {
		return cause
	}
	return cancelCause(cancelReason(cause))
}
