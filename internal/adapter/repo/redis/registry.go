package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// Registry implements domain.Registry on Redis. Worker liveness is the
// heartbeat key TTL; the status field on the record is a cache.
type Registry struct {
	rdb          *redis.Client
	sink         domain.EventSink
	heartbeatTTL time.Duration
}

// NewRegistry constructs the registry. heartbeatTTL <= 0 falls back to
// the 60 s default.
func NewRegistry(rdb *redis.Client, sink domain.EventSink, heartbeatTTL time.Duration) *Registry {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 60 * time.Second
	}
	return &Registry{rdb: rdb, sink: sink, heartbeatTTL: heartbeatTTL}
}

func (r *Registry) publish(ctx context.Context, ev domain.Event) {
	if r.sink == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = domain.NowMS()
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		slog.Warn("worker event publish failed", slog.String("worker_id", ev.WorkerID), slog.Any("error", err))
	}
}

// Register records a worker's identity and capabilities and starts its
// heartbeat window.
func (r *Registry) Register(ctx context.Context, caps domain.Capabilities) (domain.Worker, error) {
	if caps.WorkerID == "" {
		return domain.Worker{}, fmt.Errorf("%w: worker_id required", domain.ErrInvalidArgument)
	}
	now := domain.NowMS()
	w := domain.Worker{
		ID:            caps.WorkerID,
		Capabilities:  caps,
		Status:        domain.WorkerIdle,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(w.ID), workerToHash(w))
	pipe.SAdd(ctx, keyWorkersActive, w.ID)
	pipe.SRem(ctx, keyWorkersOffline, w.ID)
	pipe.Set(ctx, heartbeatKey(w.ID), now, r.heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Worker{}, fmt.Errorf("op=registry.Register: %w", err)
	}
	r.publish(ctx, domain.Event{
		Type:      domain.EventWorkerStatusChanged,
		WorkerID:  w.ID,
		NewStatus: string(domain.WorkerIdle),
		Timestamp: now,
	})
	return w, nil
}

// Heartbeat refreshes the liveness window: one write on the record, one
// on the TTL key that defines "active".
func (r *Registry) Heartbeat(ctx context.Context, workerID string, systemInfo map[string]any) error {
	exists, err := r.rdb.Exists(ctx, workerKey(workerID)).Result()
	if err != nil {
		return fmt.Errorf("op=registry.Heartbeat: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: worker %s", domain.ErrNotFound, workerID)
	}
	now := domain.NowMS()
	fields := map[string]any{"last_heartbeat": now}
	if systemInfo != nil {
		b, _ := json.Marshal(systemInfo)
		fields["system_info"] = string(b)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(workerID), fields)
	pipe.Set(ctx, heartbeatKey(workerID), now, r.heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=registry.Heartbeat: %w", err)
	}
	return nil
}

// UpdateStatus writes the cached status and broadcasts the transition.
func (r *Registry) UpdateStatus(ctx context.Context, workerID string, status domain.WorkerStatus, currentJobID string) error {
	old, err := r.rdb.HGet(ctx, workerKey(workerID), "status").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("op=registry.UpdateStatus: %w", err)
	}
	if err == redis.Nil {
		return fmt.Errorf("%w: worker %s", domain.ErrNotFound, workerID)
	}
	if err := r.rdb.HSet(ctx, workerKey(workerID), map[string]any{
		"status":         string(status),
		"current_job_id": currentJobID,
	}).Err(); err != nil {
		return fmt.Errorf("op=registry.UpdateStatus: %w", err)
	}
	r.publish(ctx, domain.Event{
		Type:      domain.EventWorkerStatusChanged,
		WorkerID:  workerID,
		JobID:     currentJobID,
		OldStatus: old,
		NewStatus: string(status),
	})
	return nil
}

// Get loads a worker record.
func (r *Registry) Get(ctx context.Context, workerID string) (domain.Worker, error) {
	h, err := r.rdb.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil {
		return domain.Worker{}, fmt.Errorf("op=registry.Get: %w", err)
	}
	return workerFromHash(h)
}

// IsAlive reports heartbeat TTL presence, the liveness truth.
func (r *Registry) IsAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, heartbeatKey(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=registry.IsAlive: %w", err)
	}
	return n > 0, nil
}

// ListActive returns workers whose heartbeat key is live. Membership is
// walked by cursor and record reads are pipelined.
func (r *Registry) ListActive(ctx context.Context) ([]domain.Worker, error) {
	var ids []string
	cursor := uint64(0)
	for {
		members, next, err := r.rdb.SScan(ctx, keyWorkersActive, cursor, "*", scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("op=registry.ListActive: %w", err)
		}
		ids = append(ids, members...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	alive := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		alive[i] = pipe.Exists(ctx, heartbeatKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("op=registry.ListActive: %w", err)
	}

	pipe = r.rdb.Pipeline()
	var liveIDs []string
	var cmds []*redis.MapStringStringCmd
	for i, id := range ids {
		if n, _ := alive[i].Result(); n > 0 {
			liveIDs = append(liveIDs, id)
			cmds = append(cmds, pipe.HGetAll(ctx, workerKey(id)))
		}
	}
	if len(liveIDs) == 0 {
		return nil, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("op=registry.ListActive: %w", err)
	}

	workers := make([]domain.Worker, 0, len(liveIDs))
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			continue
		}
		w, err := workerFromHash(h)
		if err != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// Remove deletes the worker record and marks it offline.
func (r *Registry) Remove(ctx context.Context, workerID string) error {
	old, _ := r.rdb.HGet(ctx, workerKey(workerID), "status").Result()
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, workerKey(workerID), heartbeatKey(workerID))
	pipe.SRem(ctx, keyWorkersActive, workerID)
	pipe.SAdd(ctx, keyWorkersOffline, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=registry.Remove: %w", err)
	}
	r.publish(ctx, domain.Event{
		Type:      domain.EventWorkerStatusChanged,
		WorkerID:  workerID,
		OldStatus: old,
		NewStatus: string(domain.WorkerOffline),
	})
	return nil
}
