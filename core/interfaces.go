package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling operation panics
// =============================================================================

// PanicHandler is called when an operation body or a marshaled callable panics.
// This allows custom panic handling, logging, and recovery strategies.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a body panics.
	//
	// Parameters:
	// - ctx: The context the body was running with
	// - source: Where the panic occurred (queue name, "gateway", ...)
	// - operation: The operation name, empty for gateway callables
	// - panicInfo: The panic value recovered from the body
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, source string, operation string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, source string, operation string, panicInfo any, stackTrace []byte) {
	if operation != "" {
		fmt.Printf("[%s] Operation %q panicked: %v\nStack trace:\n%s",
			source, operation, panicInfo, stackTrace)
	} else {
		fmt.Printf("[%s] Panic: %v\nStack trace:\n%s",
			source, panicInfo, stackTrace)
	}
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting queue, memory and cleanup metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting the worker.
type Metrics interface {
	// RecordOperationDuration records how long a body ran and whether it succeeded.
	RecordOperationDuration(name string, priority Priority, duration time.Duration, success bool)

	// RecordOperationWait records how long an operation sat in its lane.
	RecordOperationWait(priority Priority, wait time.Duration)

	// RecordOperationCanceled records a canceled operation with its reason.
	RecordOperationCanceled(priority Priority, reason string)

	// RecordOperationPanic records that a body panicked during execution.
	RecordOperationPanic(name string, panicInfo any)

	// RecordOperationRejected records that Submit refused an operation.
	RecordOperationRejected(reason string)

	// RecordQueueDepth records the number of queued operations.
	RecordQueueDepth(depth int)

	// RecordMemoryUsage records a memory sample in bytes.
	RecordMemoryUsage(bytes int64)

	// RecordPressureLevel records the current pressure classification.
	RecordPressureLevel(level PressureLevel)

	// RecordCleanup records a forced cleanup pass.
	RecordCleanup(bytesFreed int64, cleaned int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordOperationDuration is a no-op.
func (m *NilMetrics) RecordOperationDuration(name string, priority Priority, duration time.Duration, success bool) {
}

// RecordOperationWait is a no-op.
func (m *NilMetrics) RecordOperationWait(priority Priority, wait time.Duration) {
}

// RecordOperationCanceled is a no-op.
func (m *NilMetrics) RecordOperationCanceled(priority Priority, reason string) {
}

// RecordOperationPanic is a no-op.
func (m *NilMetrics) RecordOperationPanic(name string, panicInfo any) {
}

// RecordOperationRejected is a no-op.
func (m *NilMetrics) RecordOperationRejected(reason string) {
}

// RecordQueueDepth is a no-op.
func (m *NilMetrics) RecordQueueDepth(depth int) {
}

// RecordMemoryUsage is a no-op.
func (m *NilMetrics) RecordMemoryUsage(bytes int64) {
}

// RecordPressureLevel is a no-op.
func (m *NilMetrics) RecordPressureLevel(level PressureLevel) {
}

// RecordCleanup is a no-op.
func (m *NilMetrics) RecordCleanup(bytesFreed int64, cleaned int) {
}

func orNilMetrics(m Metrics) Metrics {
	if m == nil {
		return &NilMetrics{}
	}
	return m
}

// =============================================================================
// QueueConfig: Configuration for OperationQueue
// =============================================================================

const (
	defaultIdlePollInterval = 50 * time.Millisecond
	defaultStopTimeout      = 5 * time.Second
)

// QueueConfig holds configuration options for OperationQueue.
// All handlers are optional; if not provided, default implementations will be used.
type QueueConfig struct {
	// Name identifies the queue in logs and metrics. Defaults to "engine".
	Name string

	// Capacity bounds the number of operations that are queued or running.
	// Zero means unbounded.
	Capacity int64

	// IdlePollInterval is how long the worker sleeps between polls when every lane is empty.
	IdlePollInterval time.Duration

	// StopTimeout bounds how long Stop waits for the worker to exit.
	StopTimeout time.Duration

	// HistorySize is the number of finished operations kept for RecentOperations and AverageWait.
	HistorySize int

	// LockOSThread pins the worker goroutine to one OS thread, for engines that
	// keep thread-local state (CGO).
	LockOSThread bool

	// PanicHandler is called when a body panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics records execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// Logger defaults to NoOpLogger.
	Logger Logger
}

// DefaultQueueConfig returns a config with default handlers.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Name:             "engine",
		IdlePollInterval: defaultIdlePollInterval,
		StopTimeout:      defaultStopTimeout,
		HistorySize:      defaultHistoryCapacity,
		LockOSThread:     true,
		PanicHandler:     &DefaultPanicHandler{},
		Metrics:          &NilMetrics{},
		Logger:           NewNoOpLogger(),
	}
}

// Validate rejects configurations that cannot work.
func (c *QueueConfig) Validate() error {
	if c.Capacity < 0 {
		return fmt.Errorf("queue capacity must not be negative, got %d", c.Capacity)
	}
	if c.IdlePollInterval < 0 || c.StopTimeout < 0 {
		return fmt.Errorf("queue intervals must not be negative")
	}
	return nil
}

func (c *QueueConfig) withDefaults() *QueueConfig {
	out := *c
	if out.Name == "" {
		out.Name = "engine"
	}
	if out.IdlePollInterval == 0 {
		out.IdlePollInterval = defaultIdlePollInterval
	}
	if out.StopTimeout == 0 {
		out.StopTimeout = defaultStopTimeout
	}
	if out.HistorySize <= 0 {
		out.HistorySize = defaultHistoryCapacity
	}
	if out.PanicHandler == nil {
		out.PanicHandler = &DefaultPanicHandler{}
	}
	out.Metrics = orNilMetrics(out.Metrics)
	out.Logger = orNoOp(out.Logger)
	return &out
}
