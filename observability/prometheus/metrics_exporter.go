package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-engine-runner/core"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
	WaitBuckets     []float64

	// ConstLabels are attached to every collector, e.g. {"queue": "archive"}.
	ConstLabels prom.Labels
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	operationDurationSeconds *prom.HistogramVec
	operationWaitSeconds     *prom.HistogramVec
	operationCanceledTotal   *prom.CounterVec
	operationPanicTotal      *prom.CounterVec
	operationRejectedTotal   *prom.CounterVec
	queueDepth               prom.Gauge
	memoryUsageBytes         prom.Gauge
	pressureLevel            prom.Gauge
	cleanupTotal             prom.Counter
	cleanupFreedBytesTotal   prom.Counter
	cleanupResourcesTotal    prom.Counter
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "engine"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	durationBuckets := opts.DurationBuckets
	if len(durationBuckets) == 0 {
		durationBuckets = prom.DefBuckets
	}
	waitBuckets := opts.WaitBuckets
	if len(waitBuckets) == 0 {
		waitBuckets = prom.ExponentialBuckets(0.0005, 4, 8)
	}
	labels := opts.ConstLabels

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace:   namespace,
		Name:        "operation_duration_seconds",
		Help:        "Operation body execution duration in seconds.",
		Buckets:     durationBuckets,
		ConstLabels: labels,
	}, []string{"operation", "priority", "result"})
	waitVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace:   namespace,
		Name:        "operation_wait_seconds",
		Help:        "Time operations spent queued before running.",
		Buckets:     waitBuckets,
		ConstLabels: labels,
	}, []string{"priority"})
	canceledVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "operation_canceled_total",
		Help:        "Total number of canceled operations.",
		ConstLabels: labels,
	}, []string{"priority", "reason"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "operation_panic_total",
		Help:        "Total number of operation panics.",
		ConstLabels: labels,
	}, []string{"operation"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "operation_rejected_total",
		Help:        "Total number of rejected submissions.",
		ConstLabels: labels,
	}, []string{"reason"})
	queueDepth := prom.NewGauge(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Current number of queued operations.",
		ConstLabels: labels,
	})
	memoryUsage := prom.NewGauge(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "memory_usage_bytes",
		Help:        "Latest memory usage sample in bytes.",
		ConstLabels: labels,
	})
	pressureLevel := prom.NewGauge(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "memory_pressure_level",
		Help:        "Memory pressure level (0=normal, 1=moderate, 2=high, 3=critical).",
		ConstLabels: labels,
	})
	cleanupTotal := prom.NewCounter(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "cleanup_total",
		Help:        "Total number of forced memory cleanups.",
		ConstLabels: labels,
	})
	cleanupFreed := prom.NewCounter(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "cleanup_freed_bytes_total",
		Help:        "Bytes reclaimed by forced memory cleanups.",
		ConstLabels: labels,
	})
	cleanupResources := prom.NewCounter(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "cleanup_resources_total",
		Help:        "Tracked resources dropped by forced memory cleanups.",
		ConstLabels: labels,
	})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if waitVec, err = registerCollector(reg, waitVec); err != nil {
		return nil, err
	}
	if canceledVec, err = registerCollector(reg, canceledVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepth, err = registerCollector(reg, queueDepth); err != nil {
		return nil, err
	}
	if memoryUsage, err = registerCollector(reg, memoryUsage); err != nil {
		return nil, err
	}
	if pressureLevel, err = registerCollector(reg, pressureLevel); err != nil {
		return nil, err
	}
	if cleanupTotal, err = registerCollector(reg, cleanupTotal); err != nil {
		return nil, err
	}
	if cleanupFreed, err = registerCollector(reg, cleanupFreed); err != nil {
		return nil, err
	}
	if cleanupResources, err = registerCollector(reg, cleanupResources); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		operationDurationSeconds: durationVec,
		operationWaitSeconds:     waitVec,
		operationCanceledTotal:   canceledVec,
		operationPanicTotal:      panicVec,
		operationRejectedTotal:   rejectedVec,
		queueDepth:               queueDepth,
		memoryUsageBytes:         memoryUsage,
		pressureLevel:            pressureLevel,
		cleanupTotal:             cleanupTotal,
		cleanupFreedBytesTotal:   cleanupFreed,
		cleanupResourcesTotal:    cleanupResources,
	}, nil
}

// RecordOperationDuration records body execution duration.
func (m *MetricsExporter) RecordOperationDuration(name string, priority core.Priority, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.operationDurationSeconds.
		WithLabelValues(normalizeLabel(name, "unknown"), priorityLabel(priority), result).
		Observe(duration.Seconds())
}

// RecordOperationWait records how long an operation was queued.
func (m *MetricsExporter) RecordOperationWait(priority core.Priority, wait time.Duration) {
	if m == nil {
		return
	}
	m.operationWaitSeconds.WithLabelValues(priorityLabel(priority)).Observe(wait.Seconds())
}

// RecordOperationCanceled records canceled operations.
func (m *MetricsExporter) RecordOperationCanceled(priority core.Priority, reason string) {
	if m == nil {
		return
	}
	m.operationCanceledTotal.WithLabelValues(priorityLabel(priority), normalizeLabel(reason, "unknown")).Inc()
}

// RecordOperationPanic records operation panic events.
func (m *MetricsExporter) RecordOperationPanic(name string, panicInfo any) {
	if m == nil {
		return
	}
	m.operationPanicTotal.WithLabelValues(normalizeLabel(name, "unknown")).Inc()
}

// RecordOperationRejected records rejected submissions.
func (m *MetricsExporter) RecordOperationRejected(reason string) {
	if m == nil {
		return
	}
	m.operationRejectedTotal.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordMemoryUsage records a memory sample.
func (m *MetricsExporter) RecordMemoryUsage(bytes int64) {
	if m == nil {
		return
	}
	m.memoryUsageBytes.Set(float64(bytes))
}

// RecordPressureLevel records the current pressure level.
func (m *MetricsExporter) RecordPressureLevel(level core.PressureLevel) {
	if m == nil {
		return
	}
	m.pressureLevel.Set(float64(level))
}

// RecordCleanup records a forced cleanup.
func (m *MetricsExporter) RecordCleanup(bytesFreed int64, cleaned int) {
	if m == nil {
		return
	}
	m.cleanupTotal.Inc()
	m.cleanupFreedBytesTotal.Add(float64(max(bytesFreed, 0)))
	m.cleanupResourcesTotal.Add(float64(max(cleaned, 0)))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func priorityLabel(priority core.Priority) string {
	if !priority.Valid() {
		return "unknown"
	}
	return priority.String()
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
