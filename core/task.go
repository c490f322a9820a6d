package core

import (
	"context"
	"fmt"
	"time"
)

// Task is the unit of work posted to a SingleThreadTaskRunner (Closure)
type Task func(ctx context.Context)

// =============================================================================
// Priority: the four lanes of the OperationQueue
// =============================================================================

type Priority int

const (
	// PriorityLow: background work that is the first to go under memory pressure
	PriorityLow Priority = iota

	// PriorityNormal: Default priority
	PriorityNormal

	// PriorityHigh: work the user is waiting on
	PriorityHigh

	// PriorityCritical: Highest priority
	// Always drained before any other lane.
	PriorityCritical
)

// laneOrder is the fixed order in which the worker tries the lanes.
var laneOrder = [...]Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

const laneCount = len(laneOrder)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p names one of the four lanes.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================
type TaskRunner interface {
	PostTask(task Task)
	PostDelayedTask(task Task, delay time.Duration)
}

// RepeatingTaskHandle controls the lifecycle of a repeating task.
type RepeatingTaskHandle interface {
	Stop()
	IsStopped() bool
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}

type operationQueueKeyType struct{}

var operationQueueKey operationQueueKeyType

// GetCurrentQueue returns the OperationQueue whose worker is executing the
// operation that owns ctx, or nil outside an operation body.
func GetCurrentQueue(ctx context.Context) *OperationQueue {
	if v := ctx.Value(operationQueueKey); v != nil {
		return v.(*OperationQueue)
	}
	return nil
}
