package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Dispatcher is the scheduler of the interactive thread.
// SingleThreadTaskRunner implements it.
type Dispatcher interface {
	// PostTask queues task on the interactive thread in FIFO order.
	PostTask(task Task)

	// RunsTasksInCurrentSequence reports whether the caller is the interactive thread.
	RunsTasksInCurrentSequence() bool

	// Done is closed once the dispatcher stops running tasks.
	Done() <-chan struct{}
}

var _ Dispatcher = (*SingleThreadTaskRunner)(nil)

// ThreadGateway marshals callables onto the interactive thread.
//
// Every entry point is reentrancy-safe: called from the interactive thread
// itself, Invoke, InvokeAsync and TryInvoke run the callable inline, and Post
// queues it behind earlier posts without crossing threads.
type ThreadGateway struct {
	dispatcher   Dispatcher
	logger       Logger
	panicHandler PanicHandler
}

// GatewayOption configures a ThreadGateway.
type GatewayOption func(*ThreadGateway)

// WithGatewayLogger sets the logger used for failed posts and panics.
func WithGatewayLogger(l Logger) GatewayOption {
	return func(g *ThreadGateway) { g.logger = orNoOp(l) }
}

// WithGatewayPanicHandler sets the handler for panicking callables.
func WithGatewayPanicHandler(h PanicHandler) GatewayOption {
	return func(g *ThreadGateway) {
		if h != nil {
			g.panicHandler = h
		}
	}
}

// NewThreadGateway binds a gateway to the interactive thread's dispatcher.
func NewThreadGateway(dispatcher Dispatcher, opts ...GatewayOption) *ThreadGateway {
	g := &ThreadGateway{
		dispatcher:   dispatcher,
		logger:       NewNoOpLogger(),
		panicHandler: &DefaultPanicHandler{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsInteractiveThread reports whether the caller runs on the interactive thread.
func (g *ThreadGateway) IsInteractiveThread() bool {
	return g.dispatcher.RunsTasksInCurrentSequence()
}

func (g *ThreadGateway) closed() bool {
	select {
	case <-g.dispatcher.Done():
		return true
	default:
		return false
	}
}

// Invoke runs fn on the interactive thread and blocks until it returns.
// It runs fn inline when called from the interactive thread.
func (g *ThreadGateway) Invoke(fn func() error) error {
	if fn == nil {
		return ErrNilCallable
	}
	_, err := InvokeValue(g, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// InvokeAsync queues fn on the interactive thread and returns a future for its
// error. From the interactive thread, fn runs inline and the returned future is
// already resolved.
func (g *ThreadGateway) InvokeAsync(fn func() error) *Future[struct{}] {
	if fn == nil {
		f := newFuture[struct{}]()
		f.resolve(struct{}{}, ErrNilCallable)
		return f
	}
	return InvokeValueAsync(g, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

// Post queues fn on the interactive thread without waiting. Posts run in the
// order they were made, including posts made from the interactive thread.
func (g *ThreadGateway) Post(fn func()) error {
	if fn == nil {
		return ErrNilCallable
	}
	if g.closed() {
		g.logger.Warn("post dropped, interactive dispatcher is closed")
		return ErrDispatcherClosed
	}
	g.dispatcher.PostTask(func(ctx context.Context) {
		_ = g.call(ctx, func() error {
			fn()
			return nil
		})
	})
	return nil
}

// TryInvoke runs fn on the interactive thread and waits at most timeout for it.
// If fn has not started when the timeout expires, the pending dispatch is
// aborted and fn never runs. It reports true only if fn ran to completion
// within the timeout without panicking.
func (g *ThreadGateway) TryInvoke(fn func(), timeout time.Duration) bool {
	if fn == nil {
		return false
	}
	run := func() error {
		fn()
		return nil
	}
	if g.IsInteractiveThread() {
		return g.call(context.Background(), run) == nil
	}
	if g.closed() {
		return false
	}

	const (
		pending int32 = iota
		started
		aborted
	)
	var state atomic.Int32
	result := make(chan error, 1)

	g.dispatcher.PostTask(func(ctx context.Context) {
		if !state.CompareAndSwap(pending, started) {
			return
		}
		result <- g.call(ctx, run)
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err == nil
	case <-timer.C:
	case <-g.dispatcher.Done():
	}

	if state.CompareAndSwap(pending, aborted) {
		g.logger.Debug("pending invocation aborted", F("timeout", timeout))
		return false
	}
	// Already started: report whether it finished in the meantime.
	select {
	case err := <-result:
		return err == nil
	default:
		return false
	}
}

// InvokeValue runs fn on the interactive thread and returns its result.
func InvokeValue[T any](g *ThreadGateway, fn func() (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilCallable
	}
	if g.IsInteractiveThread() {
		return callValue(context.Background(), g, fn)
	}
	fut := InvokeValueAsync(g, fn)
	return fut.Get()
}

// InvokeValueAsync queues fn on the interactive thread and returns a future for
// its result. The future resolves with ErrDispatcherClosed if the interactive
// thread stops before fn runs.
func InvokeValueAsync[T any](g *ThreadGateway, fn func() (T, error)) *Future[T] {
	fut := newFuture[T]()
	if fn == nil {
		var zero T
		fut.resolve(zero, ErrNilCallable)
		return fut
	}
	if g.IsInteractiveThread() {
		v, err := callValue(context.Background(), g, fn)
		fut.resolve(v, err)
		return fut
	}
	if g.closed() {
		var zero T
		fut.resolve(zero, ErrDispatcherClosed)
		return fut
	}

	g.dispatcher.PostTask(func(ctx context.Context) {
		v, err := callValue(ctx, g, fn)
		fut.resolve(v, err)
	})

	go func() {
		select {
		case <-fut.Done():
		case <-g.dispatcher.Done():
			var zero T
			fut.resolve(zero, ErrDispatcherClosed)
		}
	}()
	return fut
}

func (g *ThreadGateway) call(ctx context.Context, fn func() error) error {
	_, err := callValue(ctx, g, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func callValue[T any](ctx context.Context, g *ThreadGateway, fn func() (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			err = fmt.Errorf("%w: %v", ErrInvocationPanicked, rec)
			g.panicHandler.HandlePanic(ctx, "gateway", "", rec, stack)
		}
	}()
	return fn()
}
