// Command worker is a reference worker: it registers capabilities,
// heartbeats, polls the queue for claimable jobs, and reports progress
// and completion over the store's pub/sub channels, exactly as a remote
// fleet worker would.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/events"
	redisrepo "github.com/stakeordie/emp-job-queue-sub011/internal/adapter/repo/redis"
	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

type workerConfig struct {
	RedisURL          string        `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	WorkerID          string        `env:"WORKER_ID"`
	Services          string        `env:"WORKER_SERVICES" envDefault:"comfyui"`
	GPUCount          int           `env:"WORKER_GPU_COUNT" envDefault:"1"`
	GPUMemoryGB       int           `env:"WORKER_GPU_MEMORY_GB" envDefault:"24"`
	CPUCores          int           `env:"WORKER_CPU_CORES" envDefault:"8"`
	RAMGB             int           `env:"WORKER_RAM_GB" envDefault:"32"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"20s"`
	SimulatedWork     time.Duration `env:"SIMULATED_WORK" envDefault:"5s"`
	ProgressSteps     int           `env:"PROGRESS_STEPS" envDefault:"5"`
}

// cancelSet tracks jobs the server told us to abort.
type cancelSet struct {
	mu   sync.Mutex
	jobs map[string]struct{}
}

func (s *cancelSet) add(jobID string) {
	s.mu.Lock()
	s.jobs[jobID] = struct{}{}
	s.mu.Unlock()
}

func (s *cancelSet) take(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		delete(s.jobs, jobID)
		return true
	}
	return false
}

func main() {
	var cfg workerConfig
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("worker_id", cfg.WorkerID))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisrepo.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	sink := events.NewPublisher(rdb)
	broker := redisrepo.NewBroker(rdb, sink, redisrepo.BrokerOptions{})
	registry := redisrepo.NewRegistry(rdb, sink, 60*time.Second)

	caps := domain.Capabilities{
		WorkerID: cfg.WorkerID,
		Services: splitList(cfg.Services),
		Hardware: domain.HardwareSpecs{
			GPUCount:    cfg.GPUCount,
			GPUMemoryGB: cfg.GPUMemoryGB,
			CPUCores:    cfg.CPUCores,
			RAMGB:       cfg.RAMGB,
		},
	}
	if _, err := registry.Register(ctx, caps); err != nil {
		slog.Error("register failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker registered", slog.Any("services", caps.Services))

	go heartbeatLoop(ctx, registry, cfg)

	cancels := &cancelSet{jobs: make(map[string]struct{})}
	go cancelLoop(ctx, rdb, cfg.WorkerID, cancels)

	pollLoop(ctx, rdb, broker, registry, cfg, caps, cancels)

	// Best-effort deregistration on shutdown.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.Remove(cleanupCtx, cfg.WorkerID); err != nil {
		slog.Warn("deregister failed", slog.Any("error", err))
	}
}

func heartbeatLoop(ctx context.Context, registry *redisrepo.Registry, cfg workerConfig) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.Heartbeat(ctx, cfg.WorkerID, nil); err != nil {
				slog.Warn("heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

// cancelLoop listens for cancel_job events addressed to this worker.
func cancelLoop(ctx context.Context, rdb *redis.Client, workerID string, cancels *cancelSet) {
	sub := rdb.Subscribe(ctx, "cancel_job")
	defer func() { _ = sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.WorkerID != workerID || ev.JobID == "" {
				continue
			}
			slog.Info("cancel received", slog.String("job_id", ev.JobID))
			cancels.add(ev.JobID)
		}
	}
}

func pollLoop(ctx context.Context, rdb *redis.Client, broker *redisrepo.Broker, registry *redisrepo.Registry, cfg workerConfig, caps domain.Capabilities, cancels *cancelSet) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := broker.NextForWorker(ctx, caps)
			if err != nil {
				slog.Warn("poll failed", slog.Any("error", err))
				continue
			}
			if job == nil {
				continue
			}
			runJob(ctx, rdb, registry, cfg, *job, cancels)
		}
	}
}

// runJob simulates processing: staged progress reports, then a
// completion (or silent stop when cancelled mid-flight).
func runJob(ctx context.Context, rdb *redis.Client, registry *redisrepo.Registry, cfg workerConfig, job domain.Job, cancels *cancelSet) {
	slog.Info("job claimed", slog.String("job_id", job.ID), slog.String("service", job.ServiceRequired))
	if err := registry.UpdateStatus(ctx, cfg.WorkerID, domain.WorkerBusy, job.ID); err != nil {
		slog.Warn("status update failed", slog.Any("error", err))
	}
	defer func() {
		if err := registry.UpdateStatus(ctx, cfg.WorkerID, domain.WorkerIdle, ""); err != nil {
			slog.Warn("status update failed", slog.Any("error", err))
		}
	}()

	steps := cfg.ProgressSteps
	if steps <= 0 {
		steps = 1
	}
	stepWait := cfg.SimulatedWork / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(stepWait):
		}
		if cancels.take(job.ID) {
			slog.Info("job aborted", slog.String("job_id", job.ID))
			return
		}
		publish(ctx, rdb, events.ChannelJobProgress, domain.Event{
			JobID:    job.ID,
			WorkerID: cfg.WorkerID,
			Progress: float64(i) * 100 / float64(steps),
			Message:  "processing",
		})
	}

	publish(ctx, rdb, events.ChannelCompleteJob, domain.Event{
		JobID:    job.ID,
		WorkerID: cfg.WorkerID,
		Result:   map[string]any{"status": "success", "worker_id": cfg.WorkerID},
	})
	slog.Info("job completed", slog.String("job_id", job.ID))
}

func publish(ctx context.Context, rdb *redis.Client, channel string, ev domain.Event) {
	ev.Timestamp = domain.NowMS()
	b, _ := json.Marshal(ev)
	if err := rdb.Publish(ctx, channel, b).Err(); err != nil {
		slog.Warn("publish failed", slog.String("channel", channel), slog.Any("error", err))
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
