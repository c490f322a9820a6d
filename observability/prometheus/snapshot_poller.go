package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-engine-runner/core"
)

// QueueSnapshotProvider provides current queue status snapshots.
type QueueSnapshotProvider interface {
	Status() core.QueueStatus
}

// PerformanceSnapshotProvider provides monitor snapshots.
type PerformanceSnapshotProvider interface {
	Snapshot() core.PerformanceSnapshot
}

// TrackerSnapshotProvider provides resource tracker statistics.
type TrackerSnapshotProvider interface {
	Statistics() core.TrackerStatistics
}

// SnapshotPoller periodically exports queue, monitor and tracker snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	mu       sync.RWMutex
	queues   map[string]QueueSnapshotProvider
	monitors map[string]PerformanceSnapshotProvider
	trackers map[string]TrackerSnapshotProvider

	queueLane      *prom.GaugeVec
	queueExecuting *prom.GaugeVec
	queueRunning   *prom.GaugeVec

	perfMemory      *prom.GaugeVec
	perfPeakMemory  *prom.GaugeVec
	perfAverageWait *prom.GaugeVec
	perfPressure    *prom.GaugeVec

	trackerCount    *prom.GaugeVec
	trackerBytes    *prom.GaugeVec
	trackerWarning  *prom.GaugeVec
	trackerCritical *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "engine",
			Name:      name,
			Help:      help,
		}, labels)
	}

	p := &SnapshotPoller{
		interval: interval,
		queues:   make(map[string]QueueSnapshotProvider),
		monitors: make(map[string]PerformanceSnapshotProvider),
		trackers: make(map[string]TrackerSnapshotProvider),

		queueLane:      gauge("queue_lane_operations", "Queued operations per lane.", "queue", "priority"),
		queueExecuting: gauge("queue_executing", "Whether an operation is executing (1=yes, 0=no).", "queue"),
		queueRunning:   gauge("queue_running", "Queue worker state (1=running, 0=stopped).", "queue"),

		perfMemory:      gauge("snapshot_memory_usage_bytes", "Memory usage from the latest monitor snapshot.", "monitor"),
		perfPeakMemory:  gauge("snapshot_peak_memory_usage_bytes", "Peak memory usage seen by the monitor.", "monitor"),
		perfAverageWait: gauge("snapshot_average_wait_seconds", "Average queue wait from the latest monitor snapshot.", "monitor"),
		perfPressure:    gauge("snapshot_pressure_level", "Pressure level from the latest monitor snapshot.", "monitor"),

		trackerCount:    gauge("tracker_resources", "Number of tracked resources.", "tracker"),
		trackerBytes:    gauge("tracker_estimated_bytes", "Sum of estimated sizes of tracked resources.", "tracker"),
		trackerWarning:  gauge("tracker_warning_threshold_bytes", "Tracker warning threshold.", "tracker"),
		trackerCritical: gauge("tracker_critical_threshold_bytes", "Tracker critical threshold.", "tracker"),
	}

	for _, vec := range []**prom.GaugeVec{
		&p.queueLane, &p.queueExecuting, &p.queueRunning,
		&p.perfMemory, &p.perfPeakMemory, &p.perfAverageWait, &p.perfPressure,
		&p.trackerCount, &p.trackerBytes, &p.trackerWarning, &p.trackerCritical,
	} {
		registered, err := registerCollector(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

// AddQueue adds or replaces a queue provider by name.
func (p *SnapshotPoller) AddQueue(name string, provider QueueSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.queues[normalizeLabel(name, "queue")] = provider
	p.mu.Unlock()
}

// AddMonitor adds or replaces a monitor provider by name.
func (p *SnapshotPoller) AddMonitor(name string, provider PerformanceSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.monitors[normalizeLabel(name, "monitor")] = provider
	p.mu.Unlock()
}

// AddTracker adds or replaces a tracker provider by name.
func (p *SnapshotPoller) AddTracker(name string, provider TrackerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.trackers[normalizeLabel(name, "tracker")] = provider
	p.mu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.stateMu.Unlock()

	go p.loop(pollCtx, done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()

	cancel()
	<-done
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce exports one round of snapshots.
func (p *SnapshotPoller) CollectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for name, provider := range p.queues {
		st := provider.Status()
		for priority, n := range st.Lanes {
			p.queueLane.WithLabelValues(name, priorityLabel(priority)).Set(float64(n))
		}
		p.queueExecuting.WithLabelValues(name).Set(boolGauge(st.IsExecuting))
		p.queueRunning.WithLabelValues(name).Set(boolGauge(st.Running))
	}

	for name, provider := range p.monitors {
		snap := provider.Snapshot()
		p.perfMemory.WithLabelValues(name).Set(float64(snap.MemoryUsage))
		p.perfPeakMemory.WithLabelValues(name).Set(float64(snap.PeakMemoryUsage))
		p.perfAverageWait.WithLabelValues(name).Set(snap.AverageWait.Seconds())
		p.perfPressure.WithLabelValues(name).Set(float64(snap.PressureLevel))
	}

	for name, provider := range p.trackers {
		stats := provider.Statistics()
		p.trackerCount.WithLabelValues(name).Set(float64(stats.TrackedCount))
		p.trackerBytes.WithLabelValues(name).Set(float64(stats.TrackedBytes))
		p.trackerWarning.WithLabelValues(name).Set(float64(stats.WarningThreshold))
		p.trackerCritical.WithLabelValues(name).Set(float64(stats.CriticalThreshold))
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
