package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-engine-runner/core"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("engine", reg, ExporterOptions{})
	require.NoError(t, err)

	exporter.RecordOperationDuration("list", core.PriorityHigh, 250*time.Millisecond, true)
	exporter.RecordOperationWait(core.PriorityHigh, 3*time.Millisecond)
	exporter.RecordOperationCanceled(core.PriorityLow, core.ReasonCancelAll)
	exporter.RecordOperationPanic("extract", "panic")
	exporter.RecordOperationRejected("full")
	exporter.RecordQueueDepth(7)
	exporter.RecordMemoryUsage(1024)
	exporter.RecordPressureLevel(core.PressureHigh)
	exporter.RecordCleanup(4096, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationPanicTotal.WithLabelValues("extract")))
	assert.Equal(t, 7.0, testutil.ToFloat64(exporter.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationRejectedTotal.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationCanceledTotal.WithLabelValues("low", core.ReasonCancelAll)))
	assert.Equal(t, 1024.0, testutil.ToFloat64(exporter.memoryUsageBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.pressureLevel))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.cleanupTotal))
	assert.Equal(t, 4096.0, testutil.ToFloat64(exporter.cleanupFreedBytesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.cleanupResourcesTotal))

	histCount, err := histogramSampleCount(exporter.operationDurationSeconds.WithLabelValues("list", "high", "success"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), histCount)

	waitCount, err := histogramSampleCount(exporter.operationWaitSeconds.WithLabelValues("high"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), waitCount)
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("engine", reg, ExporterOptions{})
	require.NoError(t, err)
	second, err := NewMetricsExporter("engine", reg, ExporterOptions{})
	require.NoError(t, err)

	first.RecordOperationPanic("extract", nil)
	second.RecordOperationPanic("extract", nil)

	got := testutil.ToFloat64(first.operationPanicTotal.WithLabelValues("extract"))
	assert.Equal(t, 2.0, got, "collectors should be shared between exporters")
}

func TestMetricsExporter_NilReceiver(t *testing.T) {
	var exporter *MetricsExporter

	assert.NotPanics(t, func() {
		exporter.RecordQueueDepth(1)
		exporter.RecordCleanup(1, 1)
	})
}

func TestMetricsExporter_FeedsFromQueue(t *testing.T) {
	// Given: a queue reporting to the exporter
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("engine", reg, ExporterOptions{})
	require.NoError(t, err)

	cfg := core.DefaultQueueConfig()
	cfg.Metrics = exporter
	cfg.LockOSThread = false
	q, err := core.NewOperationQueue(cfg)
	require.NoError(t, err)
	require.NoError(t, q.Start())
	defer q.Dispose()

	// When: an operation completes
	fut, err := core.Submit(q, "stat", core.PriorityNormal, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	_, err = fut.Get()
	require.NoError(t, err)

	// Then: its duration is observed
	require.Eventually(t, func() bool {
		n, _ := histogramSampleCount(exporter.operationDurationSeconds.WithLabelValues("stat", "normal", "success"))
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	metric, ok := observer.(prom.Metric)
	if !ok {
		return 0, nil
	}
	msg := &dto.Metric{}
	if err := metric.Write(msg); err != nil {
		return 0, err
	}
	if msg.Histogram != nil {
		return msg.Histogram.GetSampleCount(), nil
	}
	return 0, nil
}
