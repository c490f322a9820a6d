package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Swind/go-engine-runner/core"
	obs "github.com/Swind/go-engine-runner/observability/prometheus"
)

var (
	verboseFlag     bool
	metricsAddrFlag string

	rootCmd = &cobra.Command{
		Use:           "enginectl",
		Short:         "Exercise the engine runner: soak the operation queue or watch memory pressure",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddrFlag, "metrics-addr", "",
		"Serve Prometheus metrics on this address (e.g. ':2112'); disabled when empty")

	rootCmd.AddCommand(soakCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() core.Logger {
	level := slog.LevelInfo
	if verboseFlag {
		level = slog.LevelDebug
	}
	return core.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// observability holds the optional Prometheus wiring shared by the subcommands.
type observability struct {
	exporter *obs.MetricsExporter
	poller   *obs.SnapshotPoller
	server   *http.Server
}

// startObservability returns nil when --metrics-addr is not set.
func startObservability(logger core.Logger) (*observability, error) {
	if metricsAddrFlag == "" {
		return nil, nil
	}

	reg := prom.NewRegistry()
	exporter, err := obs.NewMetricsExporter("engine", reg, obs.ExporterOptions{})
	if err != nil {
		return nil, fmt.Errorf("create metrics exporter: %w", err)
	}
	poller, err := obs.NewSnapshotPoller(reg, time.Second)
	if err != nil {
		return nil, fmt.Errorf("create snapshot poller: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: metricsAddrFlag, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", core.F("error", err))
		}
	}()
	logger.Info("serving metrics", core.F("addr", metricsAddrFlag))

	return &observability{exporter: exporter, poller: poller, server: server}, nil
}

func (o *observability) metrics() core.Metrics {
	if o == nil {
		return nil
	}
	return o.exporter
}

func (o *observability) close() {
	if o == nil {
		return
	}
	o.poller.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = o.server.Shutdown(ctx)
}
