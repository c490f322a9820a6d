// Package enginerunner serializes access to a backing engine that is not safe
// for concurrent use, while exposing an asynchronous, priority-aware,
// cancelable operation interface to any number of callers.
//
// # Quick Start
//
// Build a Runtime at application startup and stop it on the way out:
//
//	rt, err := enginerunner.NewRuntime(
//		enginerunner.WithLogger(core.NewSlogLogger(slog.Default())),
//		enginerunner.WithLowValueOperations("thumbnail"),
//	)
//	if err != nil {
//		return err
//	}
//	if err := rt.Start(); err != nil {
//		return err
//	}
//	defer rt.Stop(context.Background())
//
// Submit operations from any goroutine:
//
//	fut, err := enginerunner.Submit(rt, "list-entries", enginerunner.PriorityHigh,
//		func(ctx context.Context) ([]string, error) {
//			return archive.List(ctx) // runs on the single worker
//		})
//	entries, err := fut.Get()
//
// # Key Concepts
//
// OperationQueue: four FIFO lanes (Critical, High, Normal, Low) drained by one
// dedicated worker goroutine locked to an OS thread. At most one body runs at
// any instant, so the engine needs no locks of its own.
//
// PressureMonitor: samples memory usage on a fixed interval and emits a
// MemoryPressureDetected event once per level change.
//
// ResourceTracker: observes disposable resources through weak pointers and
// disposes them only during forced cleanups.
//
// PressurePolicy: on escalation cancels low-value work and forces cleanups.
//
// ThreadGateway: marshals callables onto one interactive thread, inline when
// already on it.
//
// For more details, see https://github.com/Swind/go-engine-runner
package enginerunner
