package redisrepo

import (
	"context"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// Snapshotter assembles the monitor full-state snapshot from paged,
// pipelined store reads. Nothing here blocks on an unbounded scan; the
// message is concatenated only at the send boundary.
type Snapshotter struct {
	broker   *Broker
	registry *Registry
	pageSize int
}

// NewSnapshotter wires the snapshot reads. pageSize <= 0 defaults to 100.
func NewSnapshotter(broker *Broker, registry *Registry, pageSize int) *Snapshotter {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Snapshotter{broker: broker, registry: registry, pageSize: pageSize}
}

// BuildSnapshot gathers live workers, jobs bucketed by state, and
// aggregate counters.
func (s *Snapshotter) BuildSnapshot(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{Jobs: map[string][]domain.Job{}}

	workers, err := s.registry.ListActive(ctx)
	if err != nil {
		return snap, err
	}
	snap.Workers = workers

	pending, err := s.pageAll(ctx, s.broker.PendingPage)
	if err != nil {
		return snap, err
	}
	snap.Jobs["pending"] = pending

	var active []domain.Job
	buckets, err := s.broker.ActiveBuckets(ctx)
	if err != nil {
		return snap, err
	}
	for _, w := range buckets {
		jobs, err := s.broker.ActiveJobs(ctx, w)
		if err != nil {
			return snap, err
		}
		active = append(active, jobs...)
	}
	snap.Jobs["active"] = active

	completed, _, err := s.broker.listBucket(ctx, keyCompleted, s.pageSize, 0)
	if err != nil {
		return snap, err
	}
	snap.Jobs["completed"] = completed

	failed, _, err := s.broker.listBucket(ctx, keyFailed, s.pageSize, 0)
	if err != nil {
		return snap, err
	}
	snap.Jobs["failed"] = failed

	counts, err := s.broker.Counts(ctx)
	if err != nil {
		return snap, err
	}
	counts.Workers = int64(len(workers))
	snap.Counts = counts
	return snap, nil
}

// pageAll drains a paged reader up to one snapshot page beyond the
// configured size, keeping snapshot assembly bounded.
func (s *Snapshotter) pageAll(ctx context.Context, page func(context.Context, int, int) ([]domain.Job, error)) ([]domain.Job, error) {
	var out []domain.Job
	for offset := 0; ; offset += s.pageSize {
		jobs, err := page(ctx, offset, s.pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
		if len(jobs) < s.pageSize || len(out) >= s.pageSize*10 {
			break
		}
	}
	return out, nil
}
