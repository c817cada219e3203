// Command worker is the binary execSpawner launches as the supervised
// OS subprocess (internal/threadmgr/process.go): it speaks the
// newline-delimited envelope protocol on stdin/stdout and hosts a
// workerproc.Domain. It is the worker side of the channel the
// supervisor's C4 owns the other end of.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldstack/supervisor/internal/observability"
	"github.com/fieldstack/supervisor/internal/workerproc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "supervisor-worker", os.Getenv("OTLP_ENDPOINT"))
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// Log records go to stderr: stdout carries the envelope channel.
	level := slog.LevelInfo
	if os.Getenv("APP_ENV") == "dev" {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	domain := newEchoDomain(logger)
	rt := workerproc.New(domain, os.Stdin, os.Stdout)

	logger.InfoContext(ctx, "worker.start", "pid", os.Getpid())
	if err := rt.Run(ctx); err != nil {
		logger.ErrorContext(ctx, "worker.run_failed", "err", err)
		os.Exit(1)
	}
	logger.InfoContext(context.Background(), "worker.shutdown_complete")
}
