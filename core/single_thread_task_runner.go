package core

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-engine-runner/internal/goid"
)

// SingleThreadTaskRunner binds a dedicated Goroutine to execute tasks sequentially.
// It guarantees that all tasks submitted to it run on the same Goroutine (Thread Affinity),
// locked to one OS thread.
//
// Use cases:
// 1. The interactive (UI) thread that ThreadGateway marshals calls onto
// 2. CGO calls that require Thread Local Storage
// 3. The PressureMonitor's sampling timer
//
// The task queue is unbounded, so PostTask never blocks. A task posting to its
// own runner cannot deadlock.
type SingleThreadTaskRunner struct {
	mu    sync.Mutex
	tasks fifo[Task]
	wake  chan struct{}

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	// For graceful shutdown
	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	loopID atomic.Uint64

	name   atomic.Value // string
	logger Logger
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return NewNamedSingleThreadTaskRunner("", nil)
}

// NewNamedSingleThreadTaskRunner is NewSingleThreadTaskRunner with a name and a
// logger for task panics. A nil logger uses DefaultLogger.
func NewNamedSingleThreadTaskRunner(name string, logger Logger) *SingleThreadTaskRunner {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		tasks:        newFIFO[Task](),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}
	r.name.Store(name)

	started := make(chan struct{})
	go r.runLoop(started)
	// Wait until the loop goroutine is known so RunsTasksInCurrentSequence is
	// meaningful as soon as the constructor returns.
	<-started

	return r
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	return r.name.Load().(string)
}

// SetName sets the name of the task runner
func (r *SingleThreadTaskRunner) SetName(name string) {
	r.name.Store(name)
}

// RunsTasksInCurrentSequence reports whether the caller is running on this
// runner's dedicated goroutine.
func (r *SingleThreadTaskRunner) RunsTasksInCurrentSequence() bool {
	id := r.loopID.Load()
	return id != 0 && id == goid.Current()
}

// Done is closed once the run loop has exited.
func (r *SingleThreadTaskRunner) Done() <-chan struct{} {
	return r.stopped
}

// PostTask submits a task for execution. Tasks posted after the runner is
// closed are dropped.
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	if task == nil || r.closed.Load() {
		return
	}

	r.mu.Lock()
	r.tasks.push(task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// PendingTasks returns the number of queued tasks.
func (r *SingleThreadTaskRunner) PendingTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.len()
}

// PostDelayedTask submits a delayed task.
// Uses time.AfterFunc which is independent of any scheduler, so timers are
// not affected by the load of other runners.
func (r *SingleThreadTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	if r.closed.Load() {
		return
	}

	select {
	case <-r.ctx.Done():
		return
	default:
		// time.AfterFunc spawns a new goroutine when the timer fires,
		// we use PostTask to inject the task back into our main loop
		time.AfterFunc(delay, func() {
			r.PostTask(task)
		})
	}
}

// PostRepeatingTask submits a task that runs immediately and then repeats at a fixed interval
func (r *SingleThreadTaskRunner) PostRepeatingTask(task Task, interval time.Duration) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithInitialDelay(task, 0, interval)
}

// PostRepeatingTaskWithInitialDelay submits a repeating task with an initial delay
func (r *SingleThreadTaskRunner) PostRepeatingTaskWithInitialDelay(
	task Task,
	initialDelay, interval time.Duration,
) RepeatingTaskHandle {
	handle := &singleThreadRepeatingHandle{
		runner:   r,
		task:     task,
		interval: interval,
	}

	repeatingTask := handle.createRepeatingTask()

	if initialDelay > 0 {
		r.PostDelayedTask(repeatingTask, initialDelay)
	} else {
		r.PostTask(repeatingTask)
	}

	return handle
}

// Shutdown marks the runner as closed and signals shutdown waiters.
// Unlike Stop(), this method does not wait for the runLoop to finish,
// so tasks can call Shutdown() on their own runner.
//
// After calling Shutdown():
// - WaitShutdown() will return
// - IsClosed() will return true
// - New tasks posted will be ignored
// - Queued tasks are dropped once the runLoop exits
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		close(r.shutdownChan)
	})
}

// IsClosed returns true if the runner has been stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop stops the runner and waits for the current task to complete.
// Calling Stop from a task on this runner does not wait.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.Shutdown()
		if r.RunsTasksInCurrentSequence() {
			return
		}
		<-r.stopped
	})
}

// runLoop is the core of this runner, it occupies a dedicated goroutine
func (r *SingleThreadTaskRunner) runLoop(started chan<- struct{}) {
	defer close(r.stopped) // Signal that Stop() can return

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.loopID.Store(goid.Current())
	close(started)

	// Create context with taskRunnerKey for GetCurrentTaskRunner
	runCtx := context.WithValue(r.ctx, taskRunnerKey, TaskRunner(r))

	for {
		r.mu.Lock()
		task, ok := r.tasks.pop()
		r.mu.Unlock()

		if ok {
			if r.ctx.Err() != nil {
				r.dropPending()
				return
			}
			r.runTask(runCtx, task)
			continue
		}

		select {
		case <-r.wake:
		case <-r.ctx.Done():
			r.dropPending()
			return
		}
	}
}

func (r *SingleThreadTaskRunner) runTask(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked",
				F("runner", r.Name()),
				F("panic", fmt.Sprint(rec)),
				F("stack", string(debug.Stack())))
		}
	}()
	task(ctx)
}

func (r *SingleThreadTaskRunner) dropPending() {
	r.mu.Lock()
	r.tasks.drain()
	r.mu.Unlock()
}

// =============================================================================
// Repeating Task Handle for SingleThreadTaskRunner
// =============================================================================

type singleThreadRepeatingHandle struct {
	runner   *SingleThreadTaskRunner
	task     Task
	interval time.Duration
	stopped  atomic.Bool
}

func (h *singleThreadRepeatingHandle) Stop() {
	h.stopped.Store(true)
}

func (h *singleThreadRepeatingHandle) IsStopped() bool {
	return h.stopped.Load()
}

func (h *singleThreadRepeatingHandle) createRepeatingTask() Task {
	return func(ctx context.Context) {
		if h.runner.IsClosed() || h.IsStopped() {
			return
		}

		h.task(ctx)

		// Reschedule if not stopped and runner is still open
		if !h.IsStopped() && !h.runner.IsClosed() {
			h.runner.PostDelayedTask(h.createRepeatingTask(), h.interval)
		}
	}
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all currently queued tasks have completed execution.
// This is implemented by posting a barrier task and waiting for it to execute.
//
// Returns error if:
// - Context is cancelled or deadline exceeded
// - Runner is closed when WaitIdle is called
//
// Note: Tasks posted after WaitIdle is called are not waited for.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("runner is closed")
	}

	done := make(chan struct{})

	r.PostTask(func(taskCtx context.Context) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-r.stopped:
		return fmt.Errorf("runner is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAsync posts a barrier task that executes the callback when all prior tasks complete.
// This is a non-blocking alternative to WaitIdle.
func (r *SingleThreadTaskRunner) FlushAsync(callback func()) {
	r.PostTask(func(ctx context.Context) {
		callback()
	})
}

// WaitShutdown blocks until Shutdown() is called on this runner.
//
// Returns error if context is cancelled or deadline exceeded.
func (r *SingleThreadTaskRunner) WaitShutdown(ctx context.Context) error {
	select {
	case <-r.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
