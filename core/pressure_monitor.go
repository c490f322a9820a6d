package core

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMonitorInterval = 2 * time.Second

// QueueObserver is the part of an OperationQueue the monitor reads for snapshots.
type QueueObserver interface {
	Status() QueueStatus
	AverageWait() time.Duration
}

// MonitorConfig holds configuration options for PressureMonitor.
type MonitorConfig struct {
	// Interval between samples. Defaults to 2s.
	Interval time.Duration

	// Thresholds classify usage. Defaults to DefaultPressureThresholds.
	Thresholds PressureThresholds

	// Sampler reads memory usage. Defaults to HeapSampler.
	Sampler UsageSampler

	// Queue, when set, contributes queued/active counts and average wait to snapshots.
	Queue QueueObserver

	Logger  Logger
	Metrics Metrics
}

// DefaultMonitorConfig returns a config sampling the Go heap every 2 seconds.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Interval:   defaultMonitorInterval,
		Thresholds: DefaultPressureThresholds(),
		Sampler:    HeapSampler{},
		Logger:     NewNoOpLogger(),
		Metrics:    &NilMetrics{},
	}
}

// MonitorEvents groups the notifications emitted by a PressureMonitor.
type MonitorEvents struct {
	PressureChanged Hub[MemoryPressureDetected]
	MetricsUpdated  Hub[PerformanceMetricsUpdated]
}

type queueRef struct{ QueueObserver }

// PressureMonitor samples memory usage on a fixed interval, classifies it into
// pressure levels and emits a PressureChanged event exactly once per level
// change. Sampling runs on the monitor's own runner, never on the queue worker.
type PressureMonitor struct {
	interval time.Duration
	sampler  UsageSampler
	logger   Logger
	metrics  Metrics
	queue    atomic.Pointer[queueRef]

	current atomic.Int64
	peak    atomic.Int64
	level   atomic.Int32

	tickMu     sync.Mutex
	thresholds PressureThresholds
	emitted    PressureLevel

	stateMu sync.Mutex
	runner  *SingleThreadTaskRunner
	handle  RepeatingTaskHandle

	events MonitorEvents
}

// NewPressureMonitor creates a stopped monitor. A nil cfg uses DefaultMonitorConfig.
func NewPressureMonitor(cfg *MonitorConfig) (*PressureMonitor, error) {
	if cfg == nil {
		cfg = DefaultMonitorConfig()
	}
	thresholds := cfg.Thresholds
	if thresholds == (PressureThresholds{}) {
		thresholds = DefaultPressureThresholds()
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	m := &PressureMonitor{
		interval:   interval,
		sampler:    orHeapSampler(cfg.Sampler),
		logger:     orNoOp(cfg.Logger),
		metrics:    orNilMetrics(cfg.Metrics),
		thresholds: thresholds,
	}
	if cfg.Queue != nil {
		m.SetQueue(cfg.Queue)
	}
	m.events.PressureChanged.setLogger(m.logger)
	m.events.MetricsUpdated.setLogger(m.logger)
	return m, nil
}

// Events exposes the monitor's notification hubs.
func (m *PressureMonitor) Events() *MonitorEvents {
	return &m.events
}

// SetQueue attaches the queue whose state is included in snapshots.
func (m *PressureMonitor) SetQueue(q QueueObserver) {
	if q == nil {
		m.queue.Store(nil)
		return
	}
	m.queue.Store(&queueRef{q})
}

// SetThresholds replaces the classification table.
func (m *PressureMonitor) SetThresholds(t PressureThresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.tickMu.Lock()
	m.thresholds = t
	m.tickMu.Unlock()
	return nil
}

// Thresholds returns the classification table.
func (m *PressureMonitor) Thresholds() PressureThresholds {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	return m.thresholds
}

// Start begins periodic sampling; repeated calls are no-ops.
func (m *PressureMonitor) Start() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.runner != nil {
		return
	}

	m.runner = NewNamedSingleThreadTaskRunner("pressure-monitor", m.logger)
	m.handle = m.runner.PostRepeatingTask(func(ctx context.Context) {
		m.Tick()
	}, m.interval)

	m.logger.Info("pressure monitor started", F("interval", m.interval))
}

// Stop stops periodic sampling; repeated calls are safe. The monitor can be
// started again afterwards.
func (m *PressureMonitor) Stop() {
	m.stateMu.Lock()
	runner, handle := m.runner, m.handle
	m.runner, m.handle = nil, nil
	m.stateMu.Unlock()

	if runner == nil {
		return
	}
	handle.Stop()
	runner.Stop()
	m.logger.Info("pressure monitor stopped")
}

// IsRunning reports whether periodic sampling is active.
func (m *PressureMonitor) IsRunning() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.runner != nil
}

// Tick takes one sample, emits PressureChanged if the level differs from the
// last emitted level, and always emits MetricsUpdated. The periodic loop calls
// it; callers may also drive it directly.
func (m *PressureMonitor) Tick() PerformanceSnapshot {
	usage, err := m.sampler.Usage()
	if err != nil {
		m.logger.Warn("memory sample failed", F("error", err))
		return m.Snapshot()
	}
	m.record(usage)

	m.tickMu.Lock()
	level := m.thresholds.Classify(usage)
	previous := m.emitted
	changed := level != previous
	if changed {
		m.emitted = level
	}
	m.level.Store(int32(level))
	m.tickMu.Unlock()

	m.metrics.RecordPressureLevel(level)

	if changed {
		m.logger.Info("memory pressure changed",
			F("from", previous), F("to", level), F("usage", usage))
		m.events.PressureChanged.emit(MemoryPressureDetected{
			Usage:          usage,
			Level:          level,
			Previous:       previous,
			Recommendation: level.Recommendation(),
		})
	}

	snap := m.Snapshot()
	m.events.MetricsUpdated.emit(PerformanceMetricsUpdated{Snapshot: snap})
	return snap
}

func (m *PressureMonitor) record(usage int64) {
	m.current.Store(usage)
	for {
		peak := m.peak.Load()
		if usage <= peak || m.peak.CompareAndSwap(peak, usage) {
			break
		}
	}
	m.metrics.RecordMemoryUsage(usage)
}

// CurrentUsage returns the latest sample in bytes.
func (m *PressureMonitor) CurrentUsage() int64 {
	return m.current.Load()
}

// PeakUsage returns the largest sample seen in bytes.
func (m *PressureMonitor) PeakUsage() int64 {
	return m.peak.Load()
}

// Level returns the classification of the latest sample.
func (m *PressureMonitor) Level() PressureLevel {
	return PressureLevel(m.level.Load())
}

// IsUnderPressure reports whether the latest sample is High or Critical.
func (m *PressureMonitor) IsUnderPressure() bool {
	return m.Level() >= PressureHigh
}

// Snapshot builds a PerformanceSnapshot from the latest sample.
func (m *PressureMonitor) Snapshot() PerformanceSnapshot {
	snap := PerformanceSnapshot{
		MemoryUsage:     m.current.Load(),
		PeakMemoryUsage: m.peak.Load(),
		PressureLevel:   m.Level(),
		Timestamp:       time.Now(),
	}
	if ref := m.queue.Load(); ref != nil {
		st := ref.Status()
		snap.QueuedCount = st.QueuedOperations
		if st.IsExecuting {
			snap.ActiveCount = 1
		}
		snap.AverageWait = ref.AverageWait()
	}
	return snap
}

// ForceCleanup runs a garbage collection and returns the heap to the OS on a
// separate goroutine, then reports how many bytes the usage dropped by.
func (m *PressureMonitor) ForceCleanup(ctx context.Context) (int64, error) {
	before, err := m.sampler.Usage()
	if err != nil {
		return 0, fmt.Errorf("sample before cleanup: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.GC()
		debug.FreeOSMemory()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	after, err := m.sampler.Usage()
	if err != nil {
		return 0, fmt.Errorf("sample after cleanup: %w", err)
	}
	m.record(after)

	freed := max(before-after, 0)
	m.logger.Info("forced memory cleanup", F("before", before), F("after", after), F("freed", freed))
	return freed, nil
}
