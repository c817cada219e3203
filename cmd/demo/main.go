// Command demo wires the full supervisor stack for one module:
// a worker pool (C11) of subprocess workers (cmd/worker), configuration
// loaded from defaults (C9), and a Prometheus registry exposed over
// HTTP. It is the reference host application; production hosts embed
// internal/service and internal/pool directly rather than run this
// binary, but the wiring here is exactly what they'd copy.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/observability"
	"github.com/fieldstack/supervisor/internal/pool"
	"github.com/fieldstack/supervisor/internal/resource"
	"github.com/fieldstack/supervisor/internal/service"
	"github.com/fieldstack/supervisor/internal/threadmgr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "supervisor-demo", os.Getenv("OTLP_ENDPOINT"))
	if err != nil {
		slog.Default().ErrorContext(ctx, "otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := observability.NewLogger(os.Getenv("APP_ENV"))
	logger := slog.New(observability.NewTraceHandler(base.Handler()))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	collectors := observability.NewCollectors(reg)

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.ErrorContext(ctx, "metrics.listen_failed", "err", err)
		}
	}()

	workerBin := os.Getenv("WORKER_BIN")
	if workerBin == "" {
		workerBin = "./worker"
	}

	configStore := config.New(bus.New(), 20)

	factory := func(workerID string) pool.WorkerUnit {
		return service.New(service.Opts{
			WorkerID:       workerID,
			Command:        workerBin,
			Spawner:        threadmgr.NewExecSpawner(),
			StopGrace:      5 * time.Second,
			ResourceConfig: resource.Config{IntervalMS: 5000, HistorySize: 60},
			Metrics:        collectors,
		}, configStore)
	}

	p := pool.New(pool.Config{
		MinThreads:          2,
		MaxThreads:          8,
		Strategy:            pool.StrategyLeastLoaded,
		PendingQueueLimit:   1000,
		EnableAutoscaling:   true,
		AutoscaleIntervalMS: 30000,
		ScaleUpThreshold:    50,
		ScaleUpCooldownMS:   10000,
		MaxScaleUpRate:      2,
		ScaleDownThresholdMS: 60000,
		ScaleDownCooldownMS: 20000,
		MaxScaleDownRate:    1,
	}, factory, bus.New())
	p.SetMetrics(collectors)

	if err := p.Start(ctx); err != nil {
		logger.ErrorContext(ctx, "pool.start_failed", "err", err)
		os.Exit(1)
	}
	logger.InfoContext(ctx, "demo.start", "workers", p.Len(), "metrics_addr", metricsAddr)

	resp := p.Submit(ctx, service.SendRequest{Kind: envelope.KindPing, Priority: envelope.PriorityNormal})
	if resp.Error != nil {
		logger.ErrorContext(ctx, "demo.probe_failed", "err", resp.Error)
	} else {
		logger.InfoContext(ctx, "demo.probe_ok", "kind", resp.Response.Kind)
	}

	<-ctx.Done()
	logger.InfoContext(context.Background(), "demo.shutdown")
	if err := p.Stop(context.Background(), true); err != nil {
		logger.ErrorContext(context.Background(), "pool.stop_failed", "err", err)
	}
}
