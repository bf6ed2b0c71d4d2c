// Package app assembles the process: the HTTP router, the janitor, and
// readiness checks.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/observability"
	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

const janitorPageSize = 100

// Janitor runs the periodic and on-demand hygiene passes: orphaned-job
// recovery, worker resets, unworkable marking and requeue, and
// stale-age release. It also implements usecase.Sweeper for the
// cleanup endpoint.
type Janitor struct {
	broker   domain.Broker
	registry domain.Registry
	interval time.Duration
	maxAge   time.Duration
}

// NewJanitor constructs the janitor. interval <= 0 defaults to a
// minute; maxAge <= 0 disables the periodic stale-age pass.
func NewJanitor(broker domain.Broker, registry domain.Registry, interval, maxAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{broker: broker, registry: registry, interval: interval, maxAge: maxAge}
}

// Run sweeps on a ticker until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one full pass of every periodic task.
func (j *Janitor) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("janitor")
	ctx, span := tracer.Start(ctx, "Janitor.SweepOnce")
	defer span.End()

	orphaned, err := j.RecoverOrphans(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("orphan recovery failed", slog.Any("error", err))
	}

	marked, err := j.MarkUnworkables(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("unworkable marking failed", slog.Any("error", err))
	}

	requeued, err := j.RequeueWorkable(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("unworkable requeue failed", slog.Any("error", err))
	}

	stale := 0
	if j.maxAge > 0 {
		if stale, err = j.ReleaseStale(ctx, j.maxAge); err != nil {
			span.RecordError(err)
			slog.Error("stale release failed", slog.Any("error", err))
		}
	}

	j.updateGauges(ctx)
	span.SetAttributes(
		attribute.Int("janitor.orphaned_requeued", orphaned),
		attribute.Int("janitor.unworkable_marked", marked),
		attribute.Int("janitor.unworkable_requeued", requeued),
		attribute.Int("janitor.stale_released", stale),
	)
	if orphaned+marked+requeued+stale > 0 {
		slog.Info("janitor sweep",
			slog.Int("orphaned_requeued", orphaned),
			slog.Int("unworkable_marked", marked),
			slog.Int("unworkable_requeued", requeued),
			slog.Int("stale_released", stale))
	}
}

// RecoverOrphans returns every job held by a worker with no live
// heartbeat to the pending queue at its original score.
func (j *Janitor) RecoverOrphans(ctx context.Context) (int, error) {
	workers, err := j.broker.ActiveBuckets(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, workerID := range workers {
		alive, err := j.registry.IsAlive(ctx, workerID)
		if err != nil {
			return recovered, err
		}
		if alive {
			continue
		}
		n, err := j.releaseWorkerJobs(ctx, workerID)
		recovered += n
		if err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// ResetWorker releases a specific worker's active jobs and marks it
// idle, regardless of its heartbeat.
func (j *Janitor) ResetWorker(ctx context.Context, workerID string) error {
	if _, err := j.releaseWorkerJobs(ctx, workerID); err != nil {
		return err
	}
	if err := j.registry.UpdateStatus(ctx, workerID, domain.WorkerIdle, ""); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// ResetAllWorkers resets every worker that owns an active bucket.
func (j *Janitor) ResetAllWorkers(ctx context.Context) (int, error) {
	workers, err := j.broker.ActiveBuckets(ctx)
	if err != nil {
		return 0, err
	}
	for _, workerID := range workers {
		if err := j.ResetWorker(ctx, workerID); err != nil {
			return 0, err
		}
	}
	return len(workers), nil
}

func (j *Janitor) releaseWorkerJobs(ctx context.Context, workerID string) (int, error) {
	jobs, err := j.broker.ActiveJobs(ctx, workerID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, job := range jobs {
		if err := j.broker.Release(ctx, job.ID); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// MarkUnworkables parks pending jobs no live worker can satisfy. With
// zero live workers nothing is marked: an empty fleet proves the fleet
// is down, not that the jobs are unworkable.
func (j *Janitor) MarkUnworkables(ctx context.Context) (int, error) {
	workers, err := j.registry.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	if len(workers) == 0 {
		return 0, nil
	}
	marked := 0
	for offset := 0; ; offset += janitorPageSize {
		page, err := j.broker.PendingPage(ctx, offset, janitorPageSize)
		if err != nil {
			return marked, err
		}
		if len(page) == 0 {
			break
		}
		pageMarked := 0
		for _, job := range page {
			if anyWorkerMatches(workers, job) {
				continue
			}
			if err := j.broker.MarkUnworkable(ctx, job.ID); err != nil {
				return marked, err
			}
			pageMarked++
		}
		marked += pageMarked
		if len(page) < janitorPageSize {
			break
		}
		// Marking shrinks the pending set under the cursor; step back so
		// nothing is skipped.
		offset -= pageMarked
	}
	return marked, nil
}

// RequeueWorkable returns unworkable jobs to pending once a live
// capable worker exists.
func (j *Janitor) RequeueWorkable(ctx context.Context) (int, error) {
	workers, err := j.registry.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	if len(workers) == 0 {
		return 0, nil
	}
	requeued := 0
	for offset := 0; ; offset += janitorPageSize {
		page, err := j.broker.UnworkablePage(ctx, offset, janitorPageSize)
		if err != nil {
			return requeued, err
		}
		if len(page) == 0 {
			break
		}
		pageRequeued := 0
		for _, job := range page {
			if !anyWorkerMatches(workers, job) {
				continue
			}
			if err := j.broker.RequeueUnworkable(ctx, job.ID); err != nil {
				return requeued, err
			}
			pageRequeued++
		}
		requeued += pageRequeued
		if len(page) < janitorPageSize {
			break
		}
		offset -= pageRequeued
	}
	return requeued, nil
}

// ReleaseStale releases assigned or in-progress jobs older than maxAge
// whose worker has stopped heartbeating.
func (j *Janitor) ReleaseStale(ctx context.Context, maxAge time.Duration) (int, error) {
	workers, err := j.broker.ActiveBuckets(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := domain.NowMS() - maxAge.Milliseconds()
	released := 0
	for _, workerID := range workers {
		alive, err := j.registry.IsAlive(ctx, workerID)
		if err != nil {
			return released, err
		}
		if alive {
			continue
		}
		jobs, err := j.broker.ActiveJobs(ctx, workerID)
		if err != nil {
			return released, err
		}
		for _, job := range jobs {
			age := job.AssignedAt
			if job.StartedAt > age {
				age = job.StartedAt
			}
			if age == 0 || age > cutoff {
				continue
			}
			if err := j.broker.Release(ctx, job.ID); err != nil {
				return released, err
			}
			released++
		}
	}
	return released, nil
}

func (j *Janitor) updateGauges(ctx context.Context) {
	if counts, err := j.broker.Counts(ctx); err == nil {
		observability.PendingQueueDepth.Set(float64(counts.Pending))
	}
	if workers, err := j.registry.ListActive(ctx); err == nil {
		observability.WorkersActive.Set(float64(len(workers)))
	}
}

func anyWorkerMatches(workers []domain.Worker, job domain.Job) bool {
	for _, w := range workers {
		caps := w.Capabilities
		// A job retried off a worker is still workable by that worker
		// class; ignore the last-failed exclusion for workability.
		probe := job
		probe.LastFailedWorker = ""
		if caps.Matches(probe) {
			return true
		}
	}
	return false
}
