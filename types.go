package enginerunner

import (
	"context"

	"github.com/Swind/go-engine-runner/core"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the enginerunner package for most use cases.

// Priority selects the lane an operation is queued in
type Priority = core.Priority

// OperationQueue serializes operation bodies on one dedicated worker
type OperationQueue = core.OperationQueue

// Future is the typed completion handle returned by Submit
type Future[T any] = core.Future[T]

// PressureMonitor samples memory usage and emits level changes
type PressureMonitor = core.PressureMonitor

// ResourceTracker observes disposable resources through weak pointers
type ResourceTracker = core.ResourceTracker

// PressurePolicy reacts to pressure escalations
type PressurePolicy = core.PressurePolicy

// ThreadGateway marshals callables onto the interactive thread
type ThreadGateway = core.ThreadGateway

// SingleThreadTaskRunner ensures all tasks execute on the same dedicated goroutine
type SingleThreadTaskRunner = core.SingleThreadTaskRunner

type (
	Logger       = core.Logger
	Metrics      = core.Metrics
	SubmitOption = core.SubmitOption
)

// Priority constants
const (
	PriorityLow      Priority = core.PriorityLow
	PriorityNormal   Priority = core.PriorityNormal
	PriorityHigh     Priority = core.PriorityHigh
	PriorityCritical Priority = core.PriorityCritical
)

var (
	F           = core.F
	WithContext = core.WithContext
)

// Submit queues body on the runtime's queue. See core.Submit.
func Submit[T any](r *Runtime, name string, priority Priority, body func(ctx context.Context) (T, error), opts ...SubmitOption) (*Future[T], error) {
	return core.Submit(r.queue, name, priority, body, opts...)
}

// Track registers res with the runtime's tracker. See core.Track.
func Track[T any](r *Runtime, res *T, name string, size int64) (core.ResourceHandle, error) {
	return core.Track(r.tracker, res, name, size)
}

// NewSingleThreadTaskRunner creates a new SingleThreadTaskRunner with a dedicated goroutine.
// Use it as the interactive thread passed to WithInteractiveRunner.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunner()
}
