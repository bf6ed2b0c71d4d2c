// Command server starts the job-queue orchestrator: HTTP + WebSocket
// ingress, the Redis-backed broker and registry, the event bus, and the
// janitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/events"
	httpserver "github.com/stakeordie/emp-job-queue-sub011/internal/adapter/httpserver"
	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/observability"
	redisrepo "github.com/stakeordie/emp-job-queue-sub011/internal/adapter/repo/redis"
	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/ws"
	"github.com/stakeordie/emp-job-queue-sub011/internal/app"
	"github.com/stakeordie/emp-job-queue-sub011/internal/config"
	"github.com/stakeordie/emp-job-queue-sub011/internal/fanout"
	"github.com/stakeordie/emp-job-queue-sub011/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store. The only durable state lives here.
	rdb, err := redisrepo.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	redisrepo.EnableKeyspaceNotifications(ctx, rdb)

	// Event plumbing: sink out, bus in, router fanning out.
	sink := events.NewPublisher(rdb)
	broker := redisrepo.NewBroker(rdb, sink, redisrepo.BrokerOptions{
		ScanDepth:          cfg.ClaimScanDepth,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
		WorkflowRetention:  cfg.WorkflowRetention,
	})
	registry := redisrepo.NewRegistry(rdb, sink, cfg.WorkerHeartbeatTTL)
	snapshotter := redisrepo.NewSnapshotter(broker, registry, cfg.SnapshotPageSize)

	router := fanout.NewRouter()
	sink.Attach(router)

	// Services and connection surfaces.
	jobs := usecase.NewJobService(broker, router)
	janitor := app.NewJanitor(broker, registry, cfg.JanitorInterval, cfg.MaxJobAge)
	cleanup := usecase.NewCleanupService(janitor)

	hub := ws.NewHub(jobs, snapshotter, ws.Options{
		AuthToken:       cfg.WSAuthToken,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	srv := httpserver.NewServer(jobs, cleanup, httpserver.NewSSERegistry(), app.RedisReadyCheck(rdb))
	router.Attach(hub, srv.SSE())

	bus := events.NewBus(rdb, broker, router)
	go bus.Run(ctx)
	go janitor.Run(ctx)

	handler := app.BuildRouter(cfg, srv, hub)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", slog.Any("error", err))
	}
}
