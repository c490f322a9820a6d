package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-engine-runner/core"
)

type queueStub struct {
	status core.QueueStatus
}

func (s queueStub) Status() core.QueueStatus { return s.status }

type monitorStub struct {
	snap core.PerformanceSnapshot
}

func (s monitorStub) Snapshot() core.PerformanceSnapshot { return s.snap }

type trackerStub struct {
	stats core.TrackerStatistics
}

func (s trackerStub) Statistics() core.TrackerStatistics { return s.stats }

func TestSnapshotPoller_CollectsSnapshots(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 10*time.Millisecond)
	require.NoError(t, err)

	poller.AddQueue("archive", queueStub{status: core.QueueStatus{
		Lanes: map[core.Priority]int{
			core.PriorityLow:  3,
			core.PriorityHigh: 1,
		},
		QueuedOperations: 4,
		IsExecuting:      true,
		Running:          true,
	}})
	poller.AddMonitor("process", monitorStub{snap: core.PerformanceSnapshot{
		MemoryUsage:     600 * core.MiB,
		PeakMemoryUsage: 700 * core.MiB,
		AverageWait:     250 * time.Millisecond,
		PressureLevel:   core.PressureModerate,
	}})
	poller.AddTracker("resources", trackerStub{stats: core.TrackerStatistics{
		TrackedCount:      5,
		TrackedBytes:      2048,
		WarningThreshold:  512 * core.MiB,
		CriticalThreshold: core.GiB,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	require.Eventually(t, func() bool {
		low := testutil.ToFloat64(poller.queueLane.WithLabelValues("archive", "low"))
		count := testutil.ToFloat64(poller.trackerCount.WithLabelValues("resources"))
		return low == 3 && count == 5
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(poller.queueExecuting.WithLabelValues("archive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(poller.queueRunning.WithLabelValues("archive")))
	assert.Equal(t, float64(600*core.MiB), testutil.ToFloat64(poller.perfMemory.WithLabelValues("process")))
	assert.Equal(t, 0.25, testutil.ToFloat64(poller.perfAverageWait.WithLabelValues("process")))
	assert.Equal(t, 1.0, testutil.ToFloat64(poller.perfPressure.WithLabelValues("process")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(poller.trackerBytes.WithLabelValues("resources")))
}

func TestSnapshotPoller_CollectOnceWithoutStart(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, time.Hour)
	require.NoError(t, err)

	poller.AddQueue("", queueStub{status: core.QueueStatus{Running: false}})
	poller.CollectOnce()

	assert.Equal(t, 0.0, testutil.ToFloat64(poller.queueRunning.WithLabelValues("queue")),
		"empty names fall back to the provider kind")
}

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()

	// Restart after stop
	poller.Start(ctx)
	poller.Stop()
}
