package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Swind/go-engine-runner/internal/goid"
)

// Operation states
const (
	opPending int32 = iota
	opRunning
	opCanceled
	opFinished
)

// operation is one queued unit of work. The typed result lives in the
// Future captured by exec and complete.
type operation struct {
	id         string
	name       string
	priority   Priority
	ctx        context.Context
	enqueuedAt time.Time
	startedAt  time.Time

	state atomic.Int32

	// exec runs the body and keeps its value for complete.
	exec func(ctx context.Context) error
	// complete resolves the future, with the kept value when err is nil.
	complete func(err error)

	stopWatch func() bool
	release   func()

	// runCancel cancels the linked context while the body runs. Guarded by OperationQueue.mu.
	runCancel context.CancelCauseFunc
}

func (op *operation) detach() {
	if op.stopWatch != nil {
		op.stopWatch()
	}
	if op.release != nil {
		op.release()
	}
}

// QueueEvents groups the notifications emitted by an OperationQueue.
type QueueEvents struct {
	Started       Hub[OperationStarted]
	Completed     Hub[OperationCompleted]
	Canceled      Hub[OperationCanceled]
	StatusChanged Hub[QueueStatusChanged]
}

// OperationQueue serializes access to a backing engine that is not safe for
// concurrent use. Operations are submitted from any goroutine into one of four
// priority lanes and executed one at a time by a single dedicated worker.
//
// Lanes are strictly ordered (Critical > High > Normal > Low) and FIFO within a
// lane. At most one operation body executes at any instant.
type OperationQueue struct {
	cfg          *QueueConfig
	name         string
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler

	mu      sync.Mutex
	lanes   [laneCount]fifo[*operation] // indexed by Priority
	current *operation

	capacity *semaphore.Weighted // nil when unbounded
	wake     chan struct{}

	stateMu        sync.Mutex
	shutdownCancel context.CancelFunc
	done           chan struct{}

	running   atomic.Bool
	disposed  atomic.Bool
	abandoned atomic.Bool
	workerID  atomic.Uint64

	history *operationHistory
	events  QueueEvents
}

// NewOperationQueue creates a stopped queue. Call Start to spawn the worker.
// A nil cfg uses DefaultQueueConfig.
func NewOperationQueue(cfg *QueueConfig) (*OperationQueue, error) {
	if cfg == nil {
		cfg = DefaultQueueConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	q := &OperationQueue{
		cfg:          cfg,
		name:         cfg.Name,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		panicHandler: cfg.PanicHandler,
		wake:         make(chan struct{}, 1),
		history:      newOperationHistory(cfg.HistorySize),
	}
	for i := range q.lanes {
		q.lanes[i] = newFIFO[*operation]()
	}
	if cfg.Capacity > 0 {
		q.capacity = semaphore.NewWeighted(cfg.Capacity)
	}
	q.events.Started.setLogger(q.logger)
	q.events.Completed.setLogger(q.logger)
	q.events.Canceled.setLogger(q.logger)
	q.events.StatusChanged.setLogger(q.logger)
	return q, nil
}

// Name returns the queue name
func (q *OperationQueue) Name() string {
	return q.name
}

// Events exposes the queue's notification hubs.
func (q *OperationQueue) Events() *QueueEvents {
	return &q.events
}

// =============================================================================
// Submission
// =============================================================================

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	ctx context.Context
}

// WithContext links the operation to ctx. Canceling ctx removes a queued
// operation without running it, or cancels the body's context once it runs.
func WithContext(ctx context.Context) SubmitOption {
	return func(o *submitOptions) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// Submit enqueues body under name into the lane for priority and returns a
// future for its result. It never blocks. Submit fails fast once the queue is
// disposed, when name is empty or body is nil, and when a configured capacity
// is exhausted.
func Submit[T any](
	q *OperationQueue,
	name string,
	priority Priority,
	body func(ctx context.Context) (T, error),
	opts ...SubmitOption,
) (*Future[T], error) {
	if body == nil {
		return nil, ErrNilBody
	}

	o := submitOptions{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}

	fut := newFuture[T]()
	var result T
	op := &operation{
		name:     name,
		priority: priority,
		ctx:      o.ctx,
		exec: func(ctx context.Context) error {
			v, err := body(ctx)
			if err != nil {
				return err
			}
			result = v
			return nil
		},
		complete: func(err error) {
			if err != nil {
				var zero T
				fut.resolve(zero, err)
				return
			}
			fut.resolve(result, nil)
		},
	}

	if err := q.enqueue(op); err != nil {
		return nil, err
	}
	return fut, nil
}

// SubmitFunc is Submit for bodies without a result value.
func (q *OperationQueue) SubmitFunc(
	name string,
	priority Priority,
	body func(ctx context.Context) error,
	opts ...SubmitOption,
) (*Future[struct{}], error) {
	if body == nil {
		return nil, ErrNilBody
	}
	return Submit(q, name, priority, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, body(ctx)
	}, opts...)
}

func (q *OperationQueue) enqueue(op *operation) error {
	if op.name == "" {
		q.metrics.RecordOperationRejected("empty name")
		return ErrEmptyOperationName
	}
	if !op.priority.Valid() {
		q.metrics.RecordOperationRejected("invalid priority")
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(op.priority))
	}
	if q.disposed.Load() {
		q.metrics.RecordOperationRejected("disposed")
		return ErrQueueDisposed
	}

	if q.capacity != nil {
		if !q.capacity.TryAcquire(1) {
			q.metrics.RecordOperationRejected("full")
			q.logger.Warn("operation rejected, queue is full",
				F("queue", q.name), F("operation", op.name))
			return ErrQueueFull
		}
		op.release = sync.OnceFunc(func() { q.capacity.Release(1) })
	}

	op.id = uuid.NewString()
	op.enqueuedAt = time.Now()

	q.mu.Lock()
	// Checked again under the lock so Dispose cannot drain between the check and the push.
	if q.disposed.Load() {
		q.mu.Unlock()
		if op.release != nil {
			op.release()
		}
		q.metrics.RecordOperationRejected("disposed")
		return ErrQueueDisposed
	}
	q.lanes[op.priority].push(op)
	if op.ctx.Done() != nil {
		op.stopWatch = context.AfterFunc(op.ctx, func() {
			q.cancelQueued(op, context.Cause(op.ctx))
		})
	}
	q.mu.Unlock()

	q.logger.Debug("operation enqueued",
		F("queue", q.name), F("operation", op.name), F("id", op.id), F("priority", op.priority))

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.notifyStatus()
	return nil
}

// =============================================================================
// Cancellation
// =============================================================================

// CancelCurrent requests cooperative cancellation of the in-flight operation.
// It does not block and reports whether an operation was signaled.
func (q *OperationQueue) CancelCurrent() bool {
	q.mu.Lock()
	var cancel context.CancelCauseFunc
	if q.current != nil {
		cancel = q.current.runCancel
	}
	q.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel(cancelCause(ReasonCancelCurrent))
	return true
}

// CancelAll drains every lane, resolving each drained operation as canceled,
// then cancels the in-flight operation. It returns the number of queued
// operations canceled plus one if an in-flight operation was signaled.
func (q *OperationQueue) CancelAll() int {
	return q.cancelAll(ReasonCancelAll)
}

func (q *OperationQueue) cancelAll(reason string) int {
	return q.cancelMatching(reason, func(*operation) bool { return true })
}

// CancelByName cancels every queued operation named name and the in-flight
// operation if its name matches. Non-matching operations keep their relative order.
func (q *OperationQueue) CancelByName(name string) int {
	return q.cancelMatching(ReasonCancelByName, func(op *operation) bool { return op.name == name })
}

// CancelByPriority cancels every operation in the lane for priority, plus the
// in-flight operation if it came from that lane.
func (q *OperationQueue) CancelByPriority(priority Priority) int {
	return q.cancelMatching(ReasonCancelLane, func(op *operation) bool { return op.priority == priority })
}

func (q *OperationQueue) cancelMatching(reason string, match func(*operation) bool) int {
	q.mu.Lock()
	var removed []*operation
	for _, p := range laneOrder {
		removed = append(removed, q.lanes[p].removeIf(match)...)
	}
	var cancelCurrent context.CancelCauseFunc
	if q.current != nil && match(q.current) {
		cancelCurrent = q.current.runCancel
	}
	q.mu.Unlock()

	cause := cancelCause(reason)
	n := 0
	for _, op := range removed {
		if q.finishCanceled(op, cause) {
			n++
		}
	}
	if cancelCurrent != nil {
		cancelCurrent(cause)
		n++
	}

	if n > 0 {
		q.logger.Info("operations canceled",
			F("queue", q.name), F("reason", reason), F("count", n))
		q.notifyStatus()
	}
	return n
}

// cancelQueued removes op from its lane after its caller context ended.
func (q *OperationQueue) cancelQueued(op *operation, cause error) {
	q.mu.Lock()
	removed := q.lanes[op.priority].removeIf(func(o *operation) bool { return o == op })
	q.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	if q.finishCanceled(op, cause) {
		q.notifyStatus()
	}
}

// finishCanceled resolves a never-started operation as canceled.
func (q *OperationQueue) finishCanceled(op *operation, cause error) bool {
	if !op.state.CompareAndSwap(opPending, opCanceled) {
		return false
	}
	op.detach()

	err := canceledError(cause)
	reason := cancelReason(err)
	op.complete(err)

	now := time.Now()
	q.history.Add(OperationRecord{
		ID:         op.id,
		Name:       op.name,
		Priority:   op.priority,
		EnqueuedAt: op.enqueuedAt,
		FinishedAt: now,
		Outcome:    OutcomeCanceled,
	})
	q.metrics.RecordOperationCanceled(op.priority, reason)
	q.events.Canceled.emit(OperationCanceled{ID: op.id, Name: op.name, Priority: op.priority, Reason: reason})
	return true
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start spawns the dedicated worker. Calling Start on a running queue is a
// no-op. Start returns ErrQueueRunning while the worker of a previous Stop has
// not exited yet, so two workers never overlap.
func (q *OperationQueue) Start() error {
	if q.disposed.Load() {
		return ErrQueueDisposed
	}
	if q.abandoned.Load() {
		return ErrWorkerAbandoned
	}

	q.stateMu.Lock()
	if q.running.Load() {
		q.stateMu.Unlock()
		return nil
	}
	if q.done != nil {
		select {
		case <-q.done:
		default:
			q.stateMu.Unlock()
			return ErrQueueRunning
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	q.shutdownCancel = cancel
	q.done = done
	q.running.Store(true)
	q.stateMu.Unlock()

	go q.runLoop(ctx, done)

	q.logger.Info("operation queue started", F("queue", q.name))
	q.notifyStatus()
	return nil
}

// Stop cancels every queued and in-flight operation, signals the worker to
// exit and waits for it up to the configured StopTimeout. A worker that does
// not exit in time is abandoned and ErrWorkerAbandoned is returned; the queue
// is unusable afterwards. Stop on a stopped queue is a no-op.
//
// Operations submitted after Stop are queued but not executed until Start.
func (q *OperationQueue) Stop() error {
	q.stateMu.Lock()
	if !q.running.Load() {
		q.stateMu.Unlock()
		return nil
	}
	q.running.Store(false)
	cancel := q.shutdownCancel
	done := q.done // kept so Start can tell when this worker has exited
	q.shutdownCancel = nil
	q.stateMu.Unlock()

	cancel()
	q.cancelAll(ReasonQueueStopped)

	// Stop called from inside a body cannot wait for its own worker.
	if goid.Current() == q.workerID.Load() {
		q.logger.Warn("queue stopped from its own worker", F("queue", q.name))
		q.notifyStatus()
		return nil
	}

	timer := time.NewTimer(q.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		q.abandoned.Store(true)
		q.logger.Error("operation worker did not stop in time, abandoning it",
			F("queue", q.name), F("timeout", q.cfg.StopTimeout))
		q.notifyStatus()
		return ErrWorkerAbandoned
	}

	q.logger.Info("operation queue stopped", F("queue", q.name))
	q.notifyStatus()
	return nil
}

// Dispose stops the queue, cancels anything still queued and rejects further
// submissions with ErrQueueDisposed. Repeated calls are no-ops.
func (q *OperationQueue) Dispose() error {
	q.mu.Lock()
	already := q.disposed.Swap(true)
	q.mu.Unlock()
	if already {
		return nil
	}

	err := q.Stop()
	q.cancelAll(ReasonQueueStopped)
	q.logger.Info("operation queue disposed", F("queue", q.name))
	return err
}

// IsRunning reports whether the worker is running.
func (q *OperationQueue) IsRunning() bool {
	return q.running.Load()
}

// WaitIdle blocks until every operation submitted before the call has left the
// queue. It posts a Low priority barrier, which runs only once the other lanes
// are empty and earlier Low operations are done.
func (q *OperationQueue) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	fut, err := q.SubmitFunc("wait-idle", PriorityLow, func(context.Context) error {
		close(done)
		return nil
	}, WithContext(ctx))
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-fut.Done():
		_, err := fut.Get()
		if errors.Is(err, ErrOperationCanceled) && ctx.Err() == nil {
			// Emptied by a cancellation; nothing left to wait for.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Worker
// =============================================================================

// runLoop is the core of this queue, it occupies a dedicated goroutine
func (q *OperationQueue) runLoop(shutdownCtx context.Context, done chan struct{}) {
	defer close(done)

	if q.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	q.workerID.Store(goid.Current())
	defer q.workerID.Store(0)

	idle := time.NewTimer(q.cfg.IdlePollInterval)
	defer idle.Stop()

	for {
		if shutdownCtx.Err() != nil {
			return
		}

		op, runCtx, stopLink, expired := q.dequeue(shutdownCtx)
		for _, e := range expired {
			q.finishCanceled(e, context.Cause(e.ctx))
		}
		if op != nil {
			q.execute(runCtx, op, stopLink)
			continue
		}
		if len(expired) > 0 {
			q.notifyStatus()
			continue
		}

		idle.Reset(q.cfg.IdlePollInterval)
		select {
		case <-shutdownCtx.Done():
			return
		case <-q.wake:
		case <-idle.C:
		}
	}
}

// dequeue pops the next runnable operation, trying Critical, High, Normal, Low
// in order, and marks it current. Operations whose caller context already
// ended are returned in expired.
func (q *OperationQueue) dequeue(shutdownCtx context.Context) (*operation, context.Context, func() bool, []*operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*operation
	for _, p := range laneOrder {
		lane := &q.lanes[p]
		for {
			op, ok := lane.pop()
			if !ok {
				break
			}
			if op.ctx.Err() != nil {
				expired = append(expired, op)
				continue
			}
			if !op.state.CompareAndSwap(opPending, opRunning) {
				continue
			}

			runCtx, cancel := context.WithCancelCause(context.WithValue(op.ctx, operationQueueKey, q))
			stopLink := context.AfterFunc(shutdownCtx, func() {
				cancel(cancelCause(ReasonQueueStopped))
			})
			op.runCancel = cancel
			op.startedAt = time.Now()
			q.current = op
			return op, runCtx, stopLink, expired
		}
	}
	return nil, nil, nil, expired
}

func (q *OperationQueue) execute(ctx context.Context, op *operation, stopLink func() bool) {
	wait := op.startedAt.Sub(op.enqueuedAt)
	q.metrics.RecordOperationWait(op.priority, wait)
	q.logger.Debug("operation started",
		F("queue", q.name), F("operation", op.name), F("id", op.id), F("wait", wait))
	q.events.Started.emit(OperationStarted{
		ID:        op.id,
		Name:      op.name,
		Priority:  op.priority,
		StartTime: op.startedAt,
	})
	q.notifyStatus()

	// Canceled between dequeue and here: the body is never entered.
	var panicked bool
	var err error
	if ctx.Err() != nil {
		err = ctx.Err()
	} else {
		panicked, err = q.runBody(ctx, op)
	}
	finishedAt := time.Now()
	duration := finishedAt.Sub(op.startedAt)
	cause := context.Cause(ctx)
	canceled := !panicked && err != nil && ctx.Err() != nil && isCancellation(err)

	q.mu.Lock()
	cancel := op.runCancel
	op.runCancel = nil
	q.current = nil
	q.mu.Unlock()

	stopLink()
	cancel(nil)

	// The future resolves outside runBody's recover so its callbacks cannot
	// turn a finished body into a panicked one.
	outcome := OutcomeSucceeded
	switch {
	case panicked:
		outcome = OutcomePanicked
		op.complete(err)
	case canceled:
		outcome = OutcomeCanceled
		op.complete(canceledError(cause))
	case err != nil:
		outcome = OutcomeFailed
		op.complete(err)
	default:
		op.complete(nil)
	}
	op.state.Store(opFinished)
	op.detach()

	q.history.Add(OperationRecord{
		ID:         op.id,
		Name:       op.name,
		Priority:   op.priority,
		EnqueuedAt: op.enqueuedAt,
		StartedAt:  op.startedAt,
		FinishedAt: finishedAt,
		Wait:       wait,
		Duration:   duration,
		Outcome:    outcome,
	})

	if outcome == OutcomeCanceled {
		reason := cancelReason(cause)
		q.logger.Info("operation canceled",
			F("queue", q.name), F("operation", op.name), F("id", op.id), F("reason", reason))
		q.metrics.RecordOperationCanceled(op.priority, reason)
		q.events.Canceled.emit(OperationCanceled{ID: op.id, Name: op.name, Priority: op.priority, Reason: reason})
	} else {
		success := outcome == OutcomeSucceeded
		if success {
			q.logger.Debug("operation completed",
				F("queue", q.name), F("operation", op.name), F("id", op.id), F("duration", duration))
		} else {
			q.logger.Warn("operation failed",
				F("queue", q.name), F("operation", op.name), F("id", op.id), F("error", err))
		}
		q.metrics.RecordOperationDuration(op.name, op.priority, duration, success)
		q.events.Completed.emit(OperationCompleted{
			ID:       op.id,
			Name:     op.name,
			Priority: op.priority,
			Duration: duration,
			Success:  success,
			Err:      err,
		})
	}
	q.notifyStatus()
}

// runBody executes the body, converting a panic into an error so the worker survives.
func (q *OperationQueue) runBody(ctx context.Context, op *operation) (panicked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			panicked = true
			err = fmt.Errorf("%w: %v", ErrOperationPanicked, rec)
			q.metrics.RecordOperationPanic(op.name, rec)
			q.panicHandler.HandlePanic(ctx, q.name, op.name, rec, stack)
		}
	}()
	return false, op.exec(ctx)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// =============================================================================
// Queries
// =============================================================================

// Status returns a snapshot of the queue.
func (q *OperationQueue) Status() QueueStatus {
	st := QueueStatus{
		Name:  q.name,
		Lanes: make(map[Priority]int, laneCount),
	}

	q.mu.Lock()
	for _, p := range laneOrder {
		n := q.lanes[p].len()
		st.Lanes[p] = n
		st.QueuedOperations += n
	}
	if cur := q.current; cur != nil {
		st.IsExecuting = true
		st.CurrentName = cur.name
		st.CurrentPriority = cur.priority
		st.CurrentStartedAt = cur.startedAt
	}
	q.mu.Unlock()

	st.Running = q.running.Load()
	st.Disposed = q.disposed.Load()
	st.Timestamp = time.Now()
	return st
}

// RecentOperations returns up to limit finished operations, newest first.
func (q *OperationQueue) RecentOperations(limit int) []OperationRecord {
	return q.history.Recent(limit)
}

// AverageWait is the mean enqueue-to-start delay over recent operations.
func (q *OperationQueue) AverageWait() time.Duration {
	return q.history.AverageWait()
}

func (q *OperationQueue) notifyStatus() {
	st := q.Status()
	q.metrics.RecordQueueDepth(st.QueuedOperations)
	q.events.StatusChanged.emit(QueueStatusChanged{Status: st})
}
