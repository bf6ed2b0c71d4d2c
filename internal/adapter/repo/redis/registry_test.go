package redisrepo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *captureSink, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sink := &captureSink{}
	return NewRegistry(rdb, sink, 60*time.Second), sink, mr, rdb
}

func TestRegisterAndGet(t *testing.T) {
	r, sink, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	caps := testCaps("w1", "comfyui", "a1111")
	w, err := r.Register(ctx, caps)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerIdle, w.Status)

	got, err := r.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, caps.Services, got.Capabilities.Services)
	assert.Equal(t, caps.Hardware, got.Capabilities.Hardware)

	// Heartbeat key is live and membership recorded.
	alive, err := r.IsAlive(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, alive)
	assert.True(t, rdb.SIsMember(ctx, keyWorkersActive, "w1").Val())

	assert.Len(t, sink.ofType(domain.EventWorkerStatusChanged), 1)
}

func TestRegister_RequiresID(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), domain.Capabilities{Services: []string{"x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHeartbeat_TTLExpiry(t *testing.T) {
	r, _, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, testCaps("w1"))
	require.NoError(t, err)

	mr.FastForward(30 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "w1", map[string]any{"gpu_util": 0.7}))
	alive, _ := r.IsAlive(ctx, "w1")
	assert.True(t, alive)

	// Two missed heartbeats: the TTL key vanishes.
	mr.FastForward(61 * time.Second)
	alive, _ = r.IsAlive(ctx, "w1")
	assert.False(t, alive)

	// The record survives; only liveness is gone.
	_, err = r.Get(ctx, "w1")
	assert.NoError(t, err)
}

func TestHeartbeat_UnknownWorker(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateStatus_PublishesTransition(t *testing.T) {
	r, sink, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, testCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, "w1", domain.WorkerBusy, "job-123"))

	got, err := r.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerBusy, got.Status)
	assert.Equal(t, "job-123", got.CurrentJobID)

	evs := sink.ofType(domain.EventWorkerStatusChanged)
	require.Len(t, evs, 2) // register + update
	assert.Equal(t, string(domain.WorkerIdle), evs[1].OldStatus)
	assert.Equal(t, string(domain.WorkerBusy), evs[1].NewStatus)
	assert.Equal(t, "job-123", evs[1].JobID)

	assert.ErrorIs(t, r.UpdateStatus(ctx, "ghost", domain.WorkerIdle, ""), domain.ErrNotFound)
}

func TestListActive_FiltersByHeartbeat(t *testing.T) {
	r, _, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, testCaps("w1"))
	require.NoError(t, err)
	_, err = r.Register(ctx, testCaps("w2"))
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "w2", nil))

	workers, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w2", workers[0].ID)
}

func TestRemove(t *testing.T) {
	r, _, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, testCaps("w1"))
	require.NoError(t, err)
	require.NoError(t, r.Remove(ctx, "w1"))

	_, err = r.Get(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, rdb.SIsMember(ctx, keyWorkersActive, "w1").Val())
	assert.True(t, rdb.SIsMember(ctx, keyWorkersOffline, "w1").Val())
}
