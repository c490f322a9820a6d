package core

import "time"

// OperationOutcome is how an operation left the queue.
type OperationOutcome int

const (
	OutcomeSucceeded OperationOutcome = iota
	OutcomeFailed
	OutcomeCanceled
	OutcomePanicked
)

func (o OperationOutcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomePanicked:
		return "panicked"
	default:
		return "unknown"
	}
}

// OperationRecord captures a finished operation.
// StartedAt is zero for operations canceled before they ran.
type OperationRecord struct {
	ID         string
	Name       string
	Priority   Priority
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Wait       time.Duration
	Duration   time.Duration
	Outcome    OperationOutcome
}

// QueueStatus is an immutable snapshot of an OperationQueue.
type QueueStatus struct {
	Name             string
	Lanes            map[Priority]int
	QueuedOperations int
	IsExecuting      bool
	CurrentName      string
	CurrentPriority  Priority
	CurrentStartedAt time.Time
	Running          bool
	Disposed         bool
	Timestamp        time.Time
}

// PerformanceSnapshot is derived, read-only state published by the PressureMonitor.
type PerformanceSnapshot struct {
	MemoryUsage     int64
	PeakMemoryUsage int64
	QueuedCount     int
	ActiveCount     int
	AverageWait     time.Duration
	PressureLevel   PressureLevel
	Timestamp       time.Time
}

// AverageWaitMillis reports AverageWait in fractional milliseconds.
func (s PerformanceSnapshot) AverageWaitMillis() float64 {
	return float64(s.AverageWait) / float64(time.Millisecond)
}

// TrackerStatistics is the query surface of a ResourceTracker.
type TrackerStatistics struct {
	CurrentUsage       int64
	PeakUsage          int64
	TrackedBytes       int64
	TrackedCount       int
	WarningThreshold   int64
	CriticalThreshold  int64
	AutoCleanupEnabled bool
	Timestamp          time.Time
}

// CleanupReport describes one ForceMemoryCleanup call.
type CleanupReport struct {
	BytesFreed int64
	Cleaned    int
	Passes     int
	Aggressive bool
	Duration   time.Duration
}
