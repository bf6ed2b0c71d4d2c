package redisrepo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

func TestSubmitGetRoundTrip(t *testing.T) {
	b, sink, _, rdb := newTestBroker(t)
	ctx := context.Background()

	req := domain.SubmitRequest{
		ServiceRequired: "comfyui",
		Priority:        42,
		Payload:         map[string]any{"prompt": "a red fox", "steps": float64(30)},
		Requirements:    &domain.Requirements{Hardware: domain.HardwareSpecs{GPUMemoryGB: 16}},
		CustomerID:      "acme",
		MaxRetries:      5,
	}
	j, err := b.Submit(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, "comfyui", got.ServiceRequired)
	assert.Equal(t, 42, got.Priority)
	assert.Equal(t, req.Payload, got.Payload)
	assert.Equal(t, req.Requirements, got.Requirements)
	assert.Equal(t, "acme", got.CustomerID)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, 42, got.WorkflowPriority)
	assert.NotZero(t, got.WorkflowDatetime)

	// Queued with the computed score.
	score, err := rdb.ZScore(ctx, keyPending, j.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, got.Score(), score)

	assert.Len(t, sink.ofType(domain.EventJobSubmitted), 1)
}

func TestGet_NotFound(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	_, err := b.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkflowInheritance(t *testing.T) {
	b, _, _, rdb := newTestBroker(t)
	ctx := context.Background()

	// Workflow W was first submitted 60 seconds ago at priority 50.
	t0 := domain.NowMS() - 60_000
	require.NoError(t, rdb.HSet(ctx, workflowKey("W"), map[string]any{
		"workflow_id": "W", "priority": 50, "submitted_at": t0, "status": "active",
	}).Err())

	// A later step inherits the workflow's priority and datetime; its own
	// request priority is ignored.
	j2, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 10, WorkflowID: "W", StepNumber: 2})
	require.NoError(t, err)
	assert.Equal(t, 50, j2.WorkflowPriority)
	assert.Equal(t, t0, j2.WorkflowDatetime)

	// An unrelated job at the same priority submitted now scores lower.
	j3, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 50})
	require.NoError(t, err)
	assert.Greater(t, j2.Score(), j3.Score())
}

func TestPriorityBeatsAge(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	j1, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 10})
	require.NoError(t, err)
	j2, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 50})
	require.NoError(t, err)

	got, err := b.NextForWorker(ctx, testCaps("w1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j2.ID, got.ID)

	// The lower-priority job is still pending.
	j, err := b.Get(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	b, _, _, rdb := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 5})
	require.NoError(t, err)

	ok1, err := b.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	ok2, err := b.Claim(ctx, j.ID, "w2")
	require.NoError(t, err)
	assert.True(t, ok1)
	assert.False(t, ok2)

	// Gone from pending exactly once; present in the winner's bucket only.
	n, err := rdb.ZCard(ctx, keyPending).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), rdb.HLen(ctx, activeBucketKey("w1")).Val())
	assert.Zero(t, rdb.HLen(ctx, activeBucketKey("w2")).Val())

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, got.Status)
	assert.Equal(t, "w1", got.WorkerID)
	assert.NotZero(t, got.AssignedAt)
}

func TestClaim_NonPendingReturnsFalse(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	j, _ := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui"})
	require.NoError(t, b.Cancel(ctx, j.ID, "test"))

	ok, err := b.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Claim(ctx, "missing", "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStart_AssignedToInProgress(t *testing.T) {
	b, sink, _, _ := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui"})
	require.NoError(t, err)
	ok, err := b.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Start(ctx, j.ID))
	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, got.Status)
	assert.NotZero(t, got.StartedAt)

	evs := sink.ofType(domain.EventJobStatusChanged)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, string(domain.JobAssigned), last.OldStatus)
	assert.Equal(t, string(domain.JobInProgress), last.NewStatus)

	// Starting again, or starting a pending job, is a no-op.
	started := got.StartedAt
	require.NoError(t, b.Start(ctx, j.ID))
	got, _ = b.Get(ctx, j.ID)
	assert.Equal(t, started, got.StartedAt)
}

func TestRelease_RestoresScore(t *testing.T) {
	b, _, _, rdb := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 30})
	require.NoError(t, err)
	before, err := rdb.ZScore(ctx, keyPending, j.ID).Result()
	require.NoError(t, err)

	ok, err := b.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Release(ctx, j.ID))

	after, err := rdb.ZScore(ctx, keyPending, j.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Zero(t, rdb.HLen(ctx, activeBucketKey("w1")).Val())
}

func TestFail_RetryKeepsSlotAndRecordsWorker(t *testing.T) {
	b, _, _, rdb := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 30, MaxRetries: 3})
	require.NoError(t, err)
	before := rdb.ZScore(ctx, keyPending, j.ID).Val()

	ok, err := b.Claim(ctx, j.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Fail(ctx, j.ID, "cuda out of memory", true))

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "w1", got.LastFailedWorker)
	assert.Equal(t, "cuda out of memory", got.Error)
	assert.Equal(t, before, rdb.ZScore(ctx, keyPending, j.ID).Val())

	// The failing worker no longer matches the job.
	next, err := b.NextForWorker(ctx, testCaps("w1"))
	require.NoError(t, err)
	assert.Nil(t, next)
	next, err = b.NextForWorker(ctx, testCaps("w2"))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, j.ID, next.ID)
}

func TestFail_ExhaustedRetriesIsTerminal(t *testing.T) {
	b, sink, _, rdb := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", MaxRetries: 2})
	require.NoError(t, err)

	ok, _ := b.Claim(ctx, j.ID, "w1")
	require.True(t, ok)
	require.NoError(t, b.Fail(ctx, j.ID, "boom", true)) // first failure: requeued

	ok, _ = b.Claim(ctx, j.ID, "w2")
	require.True(t, ok)
	require.NoError(t, b.Fail(ctx, j.ID, "boom again", true)) // bound reached: terminal

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "boom again", got.Error)
	assert.NotZero(t, got.FailedAt)
	assert.Equal(t, int64(1), rdb.HLen(ctx, keyFailed).Val())
	assert.Len(t, sink.ofType(domain.EventJobFailed), 1)
}

func TestComplete_AndIdempotence(t *testing.T) {
	b, sink, _, rdb := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui"})
	require.NoError(t, err)
	ok, _ := b.Claim(ctx, j.ID, "w1")
	require.True(t, ok)

	result := map[string]any{"image_url": "s3://out/1.png"}
	require.NoError(t, b.Complete(ctx, j.ID, result))

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, result, got.Result)
	assert.Zero(t, rdb.HLen(ctx, activeBucketKey("w1")).Val())
	assert.Equal(t, int64(1), rdb.HLen(ctx, keyCompleted).Val())

	// Second complete is a no-op; the result is unchanged.
	require.NoError(t, b.Complete(ctx, j.ID, map[string]any{"image_url": "other"}))
	got, _ = b.Get(ctx, j.ID)
	assert.Equal(t, result, got.Result)
	assert.Len(t, sink.ofType(domain.EventJobCompleted), 1)

	// Fail after complete is a no-op too.
	require.NoError(t, b.Fail(ctx, j.ID, "late failure", true))
	got, _ = b.Get(ctx, j.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
}

func TestCancel_WhileRunning(t *testing.T) {
	b, sink, _, _ := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui"})
	require.NoError(t, err)
	ok, _ := b.Claim(ctx, j.ID, "w1")
	require.True(t, ok)

	require.NoError(t, b.Cancel(ctx, j.ID, "cancelled by user"))

	got, err := b.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.Status)

	// The worker gets an abort signal and monitors a failure-shaped event.
	cancels := sink.ofType(domain.EventCancelJob)
	require.Len(t, cancels, 1)
	assert.Equal(t, "w1", cancels[0].WorkerID)
	fails := sink.ofType(domain.EventJobFailed)
	require.Len(t, fails, 1)
	assert.Equal(t, "cancelled by user", fails[0].Error)

	// A late fail from the worker is a no-op.
	require.NoError(t, b.Fail(ctx, j.ID, "aborted", true))
	got, _ = b.Get(ctx, j.ID)
	assert.Equal(t, domain.JobCancelled, got.Status)
	assert.Len(t, sink.ofType(domain.EventJobFailed), 1)

	// Cancel on a cancelled job is a no-op.
	require.NoError(t, b.Cancel(ctx, j.ID, "again"))
	assert.Len(t, sink.ofType(domain.EventCancelJob), 1)
}

func TestUnworkableRoundTrip(t *testing.T) {
	b, _, _, rdb := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 20})
	require.NoError(t, err)
	score := rdb.ZScore(ctx, keyPending, j.ID).Val()

	require.NoError(t, b.MarkUnworkable(ctx, j.ID))
	got, _ := b.Get(ctx, j.ID)
	assert.Equal(t, domain.JobUnworkable, got.Status)
	assert.Equal(t, score, rdb.ZScore(ctx, keyUnworkable, j.ID).Val())
	assert.Zero(t, rdb.ZCard(ctx, keyPending).Val())

	require.NoError(t, b.RequeueUnworkable(ctx, j.ID))
	got, _ = b.Get(ctx, j.ID)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, score, rdb.ZScore(ctx, keyPending, j.ID).Val())
	assert.Zero(t, rdb.ZCard(ctx, keyUnworkable).Val())
}

func TestNextForWorker_CapabilityFiltered(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	// Higher-priority job requires a service this worker lacks.
	_, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "ollama", Priority: 90})
	require.NoError(t, err)
	j2, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 10})
	require.NoError(t, err)

	got, err := b.NextForWorker(ctx, testCaps("w1", "comfyui"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j2.ID, got.ID)

	// Nothing left this worker can run.
	got, err = b.NextForWorker(ctx, testCaps("w1", "comfyui"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListAndCounts(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	var pendingIDs []string
	for i := 0; i < 5; i++ {
		j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: i * 10})
		require.NoError(t, err)
		pendingIDs = append(pendingIDs, j.ID)
	}
	ok, _ := b.Claim(ctx, pendingIDs[4], "w1")
	require.True(t, ok)
	require.NoError(t, b.Complete(ctx, pendingIDs[4], nil))

	jobs, total, err := b.List(ctx, domain.JobPending, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, jobs, 2)
	// Highest score first.
	assert.Equal(t, pendingIDs[3], jobs[0].ID)

	jobs, total, err = b.List(ctx, domain.JobCompleted, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, jobs, 1)

	counts, err := b.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Pending)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Zero(t, counts.Active)

	_, _, err = b.List(ctx, "bogus", 10, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
