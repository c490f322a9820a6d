package enginerunner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Swind/go-engine-runner/core"
)

// Runtime owns one OperationQueue, PressureMonitor, ResourceTracker and
// PressurePolicy, plus a ThreadGateway when an interactive runner is supplied.
// Construct one per backing engine and pass it, or its parts, to consumers.
type Runtime struct {
	queue   *core.OperationQueue
	monitor *core.PressureMonitor
	tracker *core.ResourceTracker
	policy  *core.PressurePolicy
	gateway *core.ThreadGateway
	logger  core.Logger

	runningMu sync.RWMutex
	running   bool
	stopped   bool
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger      core.Logger
	metrics     core.Metrics
	queue       core.QueueConfig
	monitor     core.MonitorConfig
	tracker     core.TrackerConfig
	interactive core.Dispatcher
	lowValue    []string
}

// WithLogger sets the logger shared by every component.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m core.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithQueueConfig replaces the queue configuration.
func WithQueueConfig(cfg core.QueueConfig) Option {
	return func(o *options) { o.queue = cfg }
}

// WithMonitorConfig replaces the monitor configuration.
func WithMonitorConfig(cfg core.MonitorConfig) Option {
	return func(o *options) { o.monitor = cfg }
}

// WithTrackerConfig replaces the tracker configuration.
func WithTrackerConfig(cfg core.TrackerConfig) Option {
	return func(o *options) { o.tracker = cfg }
}

// WithInteractiveRunner binds a ThreadGateway to the interactive thread's dispatcher.
func WithInteractiveRunner(d core.Dispatcher) Option {
	return func(o *options) { o.interactive = d }
}

// WithLowValueOperations names the operations canceled on High pressure.
func WithLowValueOperations(names ...string) Option {
	return func(o *options) { o.lowValue = append(o.lowValue, names...) }
}

// NewRuntime wires the components together. Nothing runs until Start.
func NewRuntime(opts ...Option) (*Runtime, error) {
	o := options{
		queue:   *core.DefaultQueueConfig(),
		monitor: *core.DefaultMonitorConfig(),
		tracker: *core.DefaultTrackerConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	if o.logger != nil {
		o.queue.Logger, o.monitor.Logger, o.tracker.Logger = logger, logger, logger
	}
	if o.metrics != nil {
		o.queue.Metrics, o.monitor.Metrics, o.tracker.Metrics = o.metrics, o.metrics, o.metrics
	}

	queue, err := core.NewOperationQueue(&o.queue)
	if err != nil {
		return nil, fmt.Errorf("create operation queue: %w", err)
	}
	o.monitor.Queue = queue
	monitor, err := core.NewPressureMonitor(&o.monitor)
	if err != nil {
		return nil, fmt.Errorf("create pressure monitor: %w", err)
	}
	tracker, err := core.NewResourceTracker(&o.tracker)
	if err != nil {
		return nil, fmt.Errorf("create resource tracker: %w", err)
	}

	policy := core.NewPressurePolicy(queue, tracker, &core.PolicyConfig{
		LowValueOperations: o.lowValue,
		Logger:             logger,
	})
	policy.Attach(monitor)

	r := &Runtime{
		queue:   queue,
		monitor: monitor,
		tracker: tracker,
		policy:  policy,
		logger:  logger,
	}
	if o.interactive != nil {
		r.gateway = core.NewThreadGateway(o.interactive, core.WithGatewayLogger(logger))
	}
	return r, nil
}

// Start starts the queue worker and the monitor. Calling Start on a running
// runtime is a no-op.
func (r *Runtime) Start() error {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.stopped {
		return core.ErrQueueDisposed
	}
	if r.running {
		return nil
	}
	if err := r.queue.Start(); err != nil {
		return err
	}
	r.monitor.Start()
	r.running = true

	r.logger.Info("engine runtime started", F("queue", r.queue.Name()))
	return nil
}

// Stop disposes the queue, stops the monitor and the policy, and waits for
// background cleanups, all concurrently. It returns ctx.Err() if ctx ends
// first; the components keep shutting down in the background. A stopped
// runtime cannot be restarted.
func (r *Runtime) Stop(ctx context.Context) error {
	r.runningMu.Lock()
	if r.stopped {
		r.runningMu.Unlock()
		return nil
	}
	r.stopped = true
	r.running = false
	r.runningMu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		return r.queue.Dispose()
	})
	g.Go(func() error {
		r.monitor.Stop()
		r.policy.Detach()
		return nil
	})
	g.Go(func() error {
		r.tracker.Close()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Error("engine runtime stopped with error", F("error", err))
			return err
		}
		r.logger.Info("engine runtime stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (r *Runtime) IsRunning() bool {
	r.runningMu.RLock()
	defer r.runningMu.RUnlock()
	return r.running
}

// Queue returns the operation queue guarding the engine.
func (r *Runtime) Queue() *OperationQueue {
	return r.queue
}

func (r *Runtime) Monitor() *PressureMonitor {
	return r.monitor
}

func (r *Runtime) Tracker() *ResourceTracker {
	return r.tracker
}

func (r *Runtime) Policy() *PressurePolicy {
	return r.policy
}

func (r *Runtime) Logger() Logger {
	return r.logger
}

// Gateway returns nil unless the runtime was built WithInteractiveRunner.
func (r *Runtime) Gateway() *ThreadGateway {
	return r.gateway
}
