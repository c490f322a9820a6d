package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	enginerunner "github.com/Swind/go-engine-runner"
	"github.com/Swind/go-engine-runner/core"
)

var (
	soakOpsFlag         int
	soakOpDurationFlag  time.Duration
	soakCancelAfterFlag time.Duration
	soakCapacityFlag    int64

	soakCmd = &cobra.Command{
		Use:   "soak",
		Short: "Submit operations with mixed priorities to a simulated engine and report outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSoak(cmd.Context())
		},
	}
)

func init() {
	soakCmd.Flags().IntVarP(&soakOpsFlag, "ops", "n", 100, "Number of operations to submit")
	soakCmd.Flags().DurationVar(&soakOpDurationFlag, "op-duration", time.Millisecond, "Simulated engine time per operation")
	soakCmd.Flags().DurationVar(&soakCancelAfterFlag, "cancel-after", 0, "Cancel all pending work after this delay; 0 disables")
	soakCmd.Flags().Int64Var(&soakCapacityFlag, "capacity", 0, "Queue capacity; 0 is unbounded")
}

// simulatedEngine stands in for a backing engine that must never be entered
// concurrently. overlaps counts violations.
type simulatedEngine struct {
	inside   atomic.Int32
	overlaps atomic.Int32
	calls    atomic.Int64
}

func (e *simulatedEngine) do(ctx context.Context, d time.Duration) error {
	if e.inside.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	defer e.inside.Add(-1)
	e.calls.Add(1)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type soakResult struct {
	succeeded, failed, canceled, rejected int
}

func runSoak(ctx context.Context) error {
	if soakOpsFlag <= 0 {
		return fmt.Errorf("--ops must be positive, got %d", soakOpsFlag)
	}
	logger := newLogger()

	o, err := startObservability(logger)
	if err != nil {
		return err
	}
	defer o.close()

	queueCfg := core.DefaultQueueConfig()
	queueCfg.Name = "soak"
	queueCfg.Capacity = soakCapacityFlag

	opts := []enginerunner.Option{
		enginerunner.WithLogger(logger),
		enginerunner.WithQueueConfig(*queueCfg),
	}
	if m := o.metrics(); m != nil {
		opts = append(opts, enginerunner.WithMetrics(m))
	}
	rt, err := enginerunner.NewRuntime(opts...)
	if err != nil {
		return err
	}
	if o != nil {
		o.poller.AddQueue("soak", rt.Queue())
		o.poller.AddMonitor("soak", rt.Monitor())
		o.poller.AddTracker("soak", rt.Tracker())
		o.poller.Start(ctx)
	}
	if err := rt.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			logger.Error("runtime stop failed", core.F("error", err))
		}
	}()

	engine := &simulatedEngine{}
	priorities := []core.Priority{core.PriorityLow, core.PriorityNormal, core.PriorityHigh, core.PriorityCritical}

	var res soakResult
	futures := make([]*core.Future[int64], 0, soakOpsFlag)
	start := time.Now()
	for i := range soakOpsFlag {
		p := priorities[rand.IntN(len(priorities))]
		fut, err := enginerunner.Submit(rt, fmt.Sprintf("op-%s", p), p, func(ctx context.Context) (int64, error) {
			if err := engine.do(ctx, soakOpDurationFlag); err != nil {
				return 0, err
			}
			return int64(i), nil
		}, enginerunner.WithContext(ctx))
		if err != nil {
			res.rejected++
			logger.Debug("submission rejected", core.F("index", i), core.F("error", err))
			continue
		}
		futures = append(futures, fut)
	}

	if soakCancelAfterFlag > 0 {
		time.AfterFunc(soakCancelAfterFlag, func() {
			n := rt.Queue().CancelAll()
			logger.Info("canceled pending work", core.F("count", n))
		})
	}

	for _, fut := range futures {
		_, err := fut.Wait(ctx)
		switch {
		case err == nil:
			res.succeeded++
		case errors.Is(err, context.Canceled):
			res.canceled++
		default:
			res.failed++
		}
	}

	st := rt.Queue().Status()
	fmt.Printf("submitted=%d succeeded=%d failed=%d canceled=%d rejected=%d\n",
		soakOpsFlag, res.succeeded, res.failed, res.canceled, res.rejected)
	fmt.Printf("engine calls=%d overlaps=%d elapsed=%s average wait=%s\n",
		engine.calls.Load(), engine.overlaps.Load(), time.Since(start).Round(time.Millisecond), rt.Queue().AverageWait())
	fmt.Printf("queue running=%t queued=%d executing=%t\n", st.Running, st.QueuedOperations, st.IsExecuting)

	if engine.overlaps.Load() > 0 {
		return fmt.Errorf("engine entered concurrently %d times", engine.overlaps.Load())
	}
	return nil
}
