package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Swind/go-engine-runner/core"
)

var (
	watchDurationFlag  time.Duration
	watchIntervalFlag  time.Duration
	watchSamplerFlag   string
	watchResourcesFlag int
	watchChunkFlag     int64

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Run the pressure monitor and resource tracker and log their snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}
)

func init() {
	watchCmd.Flags().DurationVarP(&watchDurationFlag, "duration", "d", 10*time.Second, "How long to watch; 0 runs until interrupted")
	watchCmd.Flags().DurationVar(&watchIntervalFlag, "interval", time.Second, "Sampling interval")
	watchCmd.Flags().StringVar(&watchSamplerFlag, "sampler", "heap", "Usage source: heap or process")
	watchCmd.Flags().IntVar(&watchResourcesFlag, "resources", 0, "Number of simulated buffers to allocate and track")
	watchCmd.Flags().Int64Var(&watchChunkFlag, "chunk", core.MiB, "Size in bytes of each simulated buffer")
}

// buffer is a simulated disposable resource.
type buffer struct {
	data []byte
}

func (b *buffer) Close() error {
	b.data = nil
	return nil
}

var _ io.Closer = (*buffer)(nil)

func samplerFor(name string) (core.UsageSampler, error) {
	switch name {
	case "heap":
		return core.HeapSampler{}, nil
	case "process":
		return core.ProcessSampler{}, nil
	default:
		return nil, fmt.Errorf("unknown sampler %q (want heap or process)", name)
	}
}

func runWatch(ctx context.Context) error {
	logger := newLogger()
	sampler, err := samplerFor(watchSamplerFlag)
	if err != nil {
		return err
	}

	o, err := startObservability(logger)
	if err != nil {
		return err
	}
	defer o.close()

	monitor, err := core.NewPressureMonitor(&core.MonitorConfig{
		Interval: watchIntervalFlag,
		Sampler:  sampler,
		Logger:   logger,
		Metrics:  o.metrics(),
	})
	if err != nil {
		return err
	}
	trackerCfg := core.DefaultTrackerConfig()
	trackerCfg.Sampler = sampler
	trackerCfg.Logger = logger
	trackerCfg.Metrics = o.metrics()
	tracker, err := core.NewResourceTracker(trackerCfg)
	if err != nil {
		return err
	}
	defer tracker.Close()

	policy := core.NewPressurePolicy(nil, tracker, &core.PolicyConfig{Logger: logger})
	policy.Attach(monitor)
	defer policy.Detach()

	monitor.Events().MetricsUpdated.Subscribe(func(e core.PerformanceMetricsUpdated) {
		stats := tracker.Statistics()
		logger.Info("snapshot",
			core.F("usage", e.Snapshot.MemoryUsage),
			core.F("peak", e.Snapshot.PeakMemoryUsage),
			core.F("level", e.Snapshot.PressureLevel),
			core.F("tracked", stats.TrackedCount),
			core.F("tracked_bytes", stats.TrackedBytes))
	})
	monitor.Events().PressureChanged.Subscribe(func(e core.MemoryPressureDetected) {
		logger.Warn("pressure changed",
			core.F("from", e.Previous), core.F("to", e.Level), core.F("advice", e.Recommendation))
	})
	tracker.Events().Cleanup.Subscribe(func(e core.CleanupPerformed) {
		logger.Info("cleanup", core.F("freed", e.Report.BytesFreed), core.F("cleaned", e.Report.Cleaned))
	})

	// Half of the buffers are kept alive, the rest are only reachable through
	// the tracker and get swept by the next forced cleanup.
	var kept []*buffer
	for i := range watchResourcesFlag {
		b := &buffer{data: make([]byte, watchChunkFlag)}
		if _, err := core.Track(tracker, b, fmt.Sprintf("buffer-%d", i), watchChunkFlag); err != nil {
			return err
		}
		if i%2 == 0 {
			kept = append(kept, b)
		}
	}

	if o != nil {
		o.poller.AddMonitor("watch", monitor)
		o.poller.AddTracker("watch", tracker)
		o.poller.Start(ctx)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if watchDurationFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchDurationFlag)
		defer cancel()
	}

	monitor.Start()
	defer monitor.Stop()
	<-ctx.Done()

	report := tracker.ForceMemoryCleanup(false)
	disposed := tracker.CleanupAll()
	fmt.Printf("final cleanup: swept=%d freed=%d disposed=%d kept=%d\n",
		report.Cleaned, report.BytesFreed, disposed, len(kept))
	return nil
}
