package redisrepo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

const scanPageSize = 100

// List returns a page of jobs for the given status filter. All reads
// are cursor-driven; no unbounded blocking enumeration of the store.
func (b *Broker) List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	switch status {
	case domain.JobPending:
		return b.listZSet(ctx, keyPending, limit, offset)
	case domain.JobUnworkable:
		return b.listZSet(ctx, keyUnworkable, limit, offset)
	case domain.JobCompleted:
		return b.listBucket(ctx, keyCompleted, limit, offset)
	case domain.JobFailed:
		return b.listBucket(ctx, keyFailed, limit, offset)
	case domain.JobCancelled:
		return b.listBucket(ctx, keyCancelled, limit, offset)
	case domain.JobAssigned, domain.JobInProgress:
		return b.listActive(ctx, status, limit, offset)
	case "":
		return b.listAll(ctx, limit, offset)
	default:
		return nil, 0, fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, status)
	}
}

func (b *Broker) listZSet(ctx context.Context, key string, limit, offset int) ([]domain.Job, int64, error) {
	total, err := b.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("op=broker.List zcard: %w", err)
	}
	ids, err := b.rdb.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("op=broker.List zrevrange: %w", err)
	}
	jobs, err := b.loadJobs(ctx, ids)
	return jobs, total, err
}

func (b *Broker) listBucket(ctx context.Context, key string, limit, offset int) ([]domain.Job, int64, error) {
	total, err := b.rdb.HLen(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("op=broker.List hlen: %w", err)
	}
	var jobs []domain.Job
	skipped := 0
	cursor := uint64(0)
	for {
		kvs, next, err := b.rdb.HScan(ctx, key, cursor, "*", scanPageSize).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("op=broker.List hscan: %w", err)
		}
		for i := 1; i < len(kvs); i += 2 {
			if skipped < offset {
				skipped++
				continue
			}
			if len(jobs) >= limit {
				break
			}
			j, err := jobFromJSON(kvs[i])
			if err != nil {
				continue
			}
			jobs = append(jobs, j)
		}
		cursor = next
		if cursor == 0 || len(jobs) >= limit {
			break
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt > jobs[k].CreatedAt })
	return jobs, total, nil
}

func (b *Broker) listActive(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, int64, error) {
	workers, err := b.ActiveBuckets(ctx)
	if err != nil {
		return nil, 0, err
	}
	var all []domain.Job
	for _, w := range workers {
		jobs, err := b.ActiveJobs(ctx, w)
		if err != nil {
			return nil, 0, err
		}
		for _, j := range jobs {
			if j.Status == status {
				all = append(all, j)
			}
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].AssignedAt < all[k].AssignedAt })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (b *Broker) listAll(ctx context.Context, limit, offset int) ([]domain.Job, int64, error) {
	counts, err := b.Counts(ctx)
	if err != nil {
		return nil, 0, err
	}
	total := counts.Pending + counts.Active + counts.Completed + counts.Failed + counts.Unworkable

	var ids []string
	cursor := uint64(0)
	want := offset + limit
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, jobPrefix+"*", scanPageSize).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("op=broker.List scan: %w", err)
		}
		for _, k := range keys {
			id := strings.TrimPrefix(k, jobPrefix)
			// Skip structured keys that share the prefix.
			if strings.Contains(id, ":") {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 || len(ids) >= want {
			break
		}
	}
	if offset >= len(ids) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	jobs, err := b.loadJobs(ctx, ids[offset:end])
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt > jobs[k].CreatedAt })
	return jobs, total, nil
}

// loadJobs batches per-job hash reads through a single pipeline.
func (b *Broker) loadJobs(ctx context.Context, ids []string) ([]domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("op=broker.loadJobs: %w", err)
	}
	jobs := make([]domain.Job, 0, len(ids))
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			continue
		}
		j, err := jobFromHash(h)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Counts aggregates bucket sizes.
func (b *Broker) Counts(ctx context.Context) (domain.QueueCounts, error) {
	var c domain.QueueCounts
	var err error
	if c.Pending, err = b.rdb.ZCard(ctx, keyPending).Result(); err != nil {
		return c, fmt.Errorf("op=broker.Counts: %w", err)
	}
	if c.Unworkable, err = b.rdb.ZCard(ctx, keyUnworkable).Result(); err != nil {
		return c, fmt.Errorf("op=broker.Counts: %w", err)
	}
	if c.Completed, err = b.rdb.HLen(ctx, keyCompleted).Result(); err != nil {
		return c, fmt.Errorf("op=broker.Counts: %w", err)
	}
	if c.Failed, err = b.rdb.HLen(ctx, keyFailed).Result(); err != nil {
		return c, fmt.Errorf("op=broker.Counts: %w", err)
	}
	buckets, err := b.ActiveBuckets(ctx)
	if err != nil {
		return c, err
	}
	for _, w := range buckets {
		n, err := b.rdb.HLen(ctx, activeBucketKey(w)).Result()
		if err != nil {
			return c, fmt.Errorf("op=broker.Counts: %w", err)
		}
		c.Active += n
	}
	return c, nil
}

// ActiveBuckets lists worker ids that currently own an active bucket.
func (b *Broker) ActiveBuckets(ctx context.Context) ([]string, error) {
	var workers []string
	cursor := uint64(0)
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, activeBucketPrefix+"*", scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("op=broker.ActiveBuckets: %w", err)
		}
		for _, k := range keys {
			workers = append(workers, strings.TrimPrefix(k, activeBucketPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return workers, nil
}

// ActiveJobs returns the jobs in a worker's active bucket.
func (b *Broker) ActiveJobs(ctx context.Context, workerID string) ([]domain.Job, error) {
	m, err := b.rdb.HGetAll(ctx, activeBucketKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.ActiveJobs: %w", err)
	}
	jobs := make([]domain.Job, 0, len(m))
	for id := range m {
		// Prefer the live record over the bucket snapshot.
		j, err := b.Get(ctx, id)
		if err != nil {
			if jj, jerr := jobFromJSON(m[id]); jerr == nil {
				jobs = append(jobs, jj)
			}
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// PendingPage returns a score-descending page of pending jobs.
func (b *Broker) PendingPage(ctx context.Context, offset, count int) ([]domain.Job, error) {
	jobs, _, err := b.listZSet(ctx, keyPending, count, offset)
	return jobs, err
}

// UnworkablePage returns a score-descending page of unworkable jobs.
func (b *Broker) UnworkablePage(ctx context.Context, offset, count int) ([]domain.Job, error) {
	jobs, _, err := b.listZSet(ctx, keyUnworkable, count, offset)
	return jobs, err
}
