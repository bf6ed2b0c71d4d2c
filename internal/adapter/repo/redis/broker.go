package redisrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/observability"
	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// BrokerOptions tune queue behavior; zero values fall back to defaults.
type BrokerOptions struct {
	ScanDepth          int
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	WorkflowRetention  time.Duration
}

func (o *BrokerOptions) withDefaults() {
	if o.ScanDepth <= 0 {
		o.ScanDepth = 20
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = 24 * time.Hour
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = 7 * 24 * time.Hour
	}
	if o.WorkflowRetention <= 0 {
		o.WorkflowRetention = 24 * time.Hour
	}
}

// Broker implements domain.Broker on Redis. The pending queue is a
// max-ordered sorted set scored by the workflow-inheriting formula;
// claim atomicity rides on the ZREM return value.
type Broker struct {
	rdb  *redis.Client
	sink domain.EventSink
	opts BrokerOptions
}

// NewBroker constructs the broker. sink may be nil in tests that do not
// observe events.
func NewBroker(rdb *redis.Client, sink domain.EventSink, opts BrokerOptions) *Broker {
	opts.withDefaults()
	return &Broker{rdb: rdb, sink: sink, opts: opts}
}

func (b *Broker) publish(ctx context.Context, ev domain.Event) {
	if b.sink == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = domain.NowMS()
	}
	if err := b.sink.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}

// Submit admits a job: resolves workflow inheritance, persists the
// record, inserts it into the pending queue, and announces it.
func (b *Broker) Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error) {
	tr := otel.Tracer("broker")
	ctx, span := tr.Start(ctx, "Broker.Submit")
	defer span.End()

	now := domain.NowMS()
	j := domain.Job{
		ID:              uuid.NewString(),
		ServiceRequired: req.ServiceRequired,
		Priority:        req.Priority,
		Payload:         req.Payload,
		Requirements:    req.Requirements,
		CustomerID:      req.CustomerID,
		MaxRetries:      req.MaxRetries,
		Status:          domain.JobPending,
		WorkflowID:      req.WorkflowID,
		StepNumber:      req.StepNumber,
		CreatedAt:       now,
	}
	if j.MaxRetries <= 0 {
		j.MaxRetries = domain.DefaultMaxRetries
	}

	if req.WorkflowID != "" {
		wf, err := b.ensureWorkflow(ctx, req.WorkflowID, req.Priority, now)
		if err != nil {
			return domain.Job{}, err
		}
		j.WorkflowPriority = wf.Priority
		j.WorkflowDatetime = wf.SubmittedAt
	} else {
		// Standalone jobs carry their own priority and submission time.
		j.WorkflowPriority = req.Priority
		j.WorkflowDatetime = now
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), jobToHash(j))
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: j.Score(), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=broker.Submit: %w", err)
	}

	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.service", j.ServiceRequired),
		attribute.Int("job.workflow_priority", j.WorkflowPriority),
	)
	observability.JobsEnqueuedTotal.WithLabelValues(j.ServiceRequired).Inc()
	b.publish(ctx, domain.Event{Type: domain.EventJobSubmitted, JobID: j.ID, Status: domain.JobPending, Job: &j, Timestamp: now})
	return j, nil
}

// Claim atomically moves a pending job to the caller. Exactly one
// concurrent caller observes the ZREM removal and wins; everyone else
// gets false.
func (b *Broker) Claim(ctx context.Context, jobID, workerID string) (bool, error) {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if j.Status != domain.JobPending {
		return false, nil
	}

	removed, err := b.rdb.ZRem(ctx, keyPending, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("op=broker.Claim zrem: %w", err)
	}
	if removed == 0 {
		// Lost the race; another claimer already holds it.
		return false, nil
	}

	now := domain.NowMS()
	j.Status = domain.JobAssigned
	j.WorkerID = workerID
	j.AssignedAt = now

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]any{
		"status":      string(domain.JobAssigned),
		"worker_id":   workerID,
		"assigned_at": now,
	})
	pipe.HSet(ctx, activeBucketKey(workerID), jobID, jobJSON(j))
	pipe.HSet(ctx, workerKey(workerID), "current_job_id", jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("op=broker.Claim assign: %w", err)
	}

	observability.JobsClaimedTotal.WithLabelValues(j.ServiceRequired).Inc()
	b.publish(ctx, domain.Event{Type: domain.EventJobAssigned, JobID: jobID, WorkerID: workerID, Status: domain.JobAssigned, Job: &j, Timestamp: now})
	return true, nil
}

// NextForWorker peeks the highest-scored pending jobs and claims the
// first one the capability set matches. Lost claims continue the scan,
// preserving priority-first, FIFO-second order.
func (b *Broker) NextForWorker(ctx context.Context, caps domain.Capabilities) (*domain.Job, error) {
	ids, err := b.rdb.ZRevRange(ctx, keyPending, 0, int64(b.opts.ScanDepth-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.NextForWorker: %w", err)
	}
	for _, id := range ids {
		j, err := b.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !caps.Matches(j) {
			continue
		}
		ok, err := b.Claim(ctx, id, caps.WorkerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		claimed, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &claimed, nil
	}
	return nil, nil
}

// Start marks an assigned job in progress. The event bus calls it when a
// worker's first progress report arrives. No-op in any other state.
func (b *Broker) Start(ctx context.Context, jobID string) error {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != domain.JobAssigned {
		return nil
	}
	now := domain.NowMS()
	if err := b.rdb.HSet(ctx, jobKey(jobID), map[string]any{
		"status":     string(domain.JobInProgress),
		"started_at": now,
	}).Err(); err != nil {
		return fmt.Errorf("op=broker.Start: %w", err)
	}
	b.publish(ctx, domain.Event{
		Type:      domain.EventJobStatusChanged,
		JobID:     jobID,
		WorkerID:  j.WorkerID,
		Status:    domain.JobInProgress,
		OldStatus: string(domain.JobAssigned),
		NewStatus: string(domain.JobInProgress),
		Timestamp: now,
	})
	return nil
}

// Release returns an assigned or in-progress job to the pending queue at
// its original score, clearing the worker binding.
func (b *Broker) Release(ctx context.Context, jobID string) error {
	return b.requeue(ctx, jobID, "release", false, "", "")
}

func (b *Broker) requeue(ctx context.Context, jobID, reason string, recordFailure bool, failedWorker, errMsg string) error {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	fields := map[string]any{
		"status":      string(domain.JobPending),
		"worker_id":   "",
		"assigned_at": 0,
		"started_at":  0,
	}
	if recordFailure {
		fields["retry_count"] = j.RetryCount + 1
		fields["last_failed_worker"] = failedWorker
		fields["error"] = errMsg
	}

	pipe := b.rdb.TxPipeline()
	if j.WorkerID != "" {
		pipe.HDel(ctx, activeBucketKey(j.WorkerID), jobID)
		pipe.HSet(ctx, workerKey(j.WorkerID), "current_job_id", "")
	}
	pipe.HSet(ctx, jobKey(jobID), fields)
	// Same workflow fields, same score: the job re-enters at its
	// original logical slot.
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: j.Score(), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.requeue: %w", err)
	}

	observability.JobsRequeuedTotal.WithLabelValues(reason).Inc()
	b.publish(ctx, domain.Event{
		Type:      domain.EventJobStatusChanged,
		JobID:     jobID,
		WorkerID:  j.WorkerID,
		Status:    domain.JobPending,
		OldStatus: string(j.Status),
		NewStatus: string(domain.JobPending),
		Message:   reason,
	})
	return nil
}

// Complete records a terminal success. Calling it on an already-terminal
// job is a no-op.
func (b *Broker) Complete(ctx context.Context, jobID string, result map[string]any) error {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	now := domain.NowMS()
	j.Status = domain.JobCompleted
	j.CompletedAt = now
	j.Result = result

	pipe := b.rdb.TxPipeline()
	fields := map[string]any{
		"status":       string(domain.JobCompleted),
		"completed_at": now,
	}
	if result != nil {
		fields["result"] = jobFieldJSON(result)
	}
	pipe.HSet(ctx, jobKey(jobID), fields)
	if j.WorkerID != "" {
		pipe.HDel(ctx, activeBucketKey(j.WorkerID), jobID)
		pipe.HSet(ctx, workerKey(j.WorkerID), "current_job_id", "")
		pipe.HIncrBy(ctx, workerKey(j.WorkerID), "jobs_completed", 1)
	}
	pipe.ZRem(ctx, keyPending, jobID)
	pipe.HSet(ctx, keyCompleted, jobID, jobJSON(j))
	pipe.Expire(ctx, keyCompleted, b.opts.CompletedRetention)
	pipe.Expire(ctx, jobKey(jobID), b.opts.CompletedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.Complete: %w", err)
	}

	if j.WorkflowID != "" {
		b.setWorkflowStatus(ctx, j.WorkflowID, domain.WorkflowCompleted)
	}
	observability.JobsCompletedTotal.WithLabelValues(j.ServiceRequired).Inc()
	b.publish(ctx, domain.Event{Type: domain.EventJobCompleted, JobID: jobID, WorkerID: j.WorkerID, Status: domain.JobCompleted, Result: result, Timestamp: now})
	return nil
}

// Fail either recycles the job to pending (same score, failing worker
// recorded) or, once retries are exhausted or retry is forbidden,
// records a terminal failure. No-op on terminal jobs, including
// cancelled ones.
func (b *Broker) Fail(ctx context.Context, jobID, errMsg string, canRetry bool) error {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	if canRetry && j.RetryCount+1 < j.MaxRetries {
		// One pipeline: the failure record and the requeue land together
		// or not at all.
		return b.requeue(ctx, jobID, "retry", true, j.WorkerID, errMsg)
	}

	now := domain.NowMS()
	j.Status = domain.JobFailed
	j.FailedAt = now
	j.Error = errMsg
	j.RetryCount++

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]any{
		"status":      string(domain.JobFailed),
		"failed_at":   now,
		"error":       errMsg,
		"retry_count": j.RetryCount,
	})
	if j.WorkerID != "" {
		pipe.HDel(ctx, activeBucketKey(j.WorkerID), jobID)
		pipe.HSet(ctx, workerKey(j.WorkerID), "current_job_id", "")
		pipe.HIncrBy(ctx, workerKey(j.WorkerID), "jobs_failed", 1)
	}
	pipe.ZRem(ctx, keyPending, jobID)
	pipe.HSet(ctx, keyFailed, jobID, jobJSON(j))
	pipe.Expire(ctx, keyFailed, b.opts.FailedRetention)
	pipe.Expire(ctx, jobKey(jobID), b.opts.FailedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.Fail: %w", err)
	}

	if j.WorkflowID != "" {
		b.setWorkflowStatus(ctx, j.WorkflowID, domain.WorkflowFailed)
	}
	observability.JobsFailedTotal.WithLabelValues(j.ServiceRequired).Inc()
	b.publish(ctx, domain.Event{Type: domain.EventJobFailed, JobID: jobID, WorkerID: j.WorkerID, Status: domain.JobFailed, Error: errMsg, Timestamp: now})
	return nil
}

// Cancel terminally cancels a job. If a worker currently holds it, a
// cancel_job event is published so the worker can abort. Idempotent on
// already-terminal jobs.
func (b *Broker) Cancel(ctx context.Context, jobID, reason string) error {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	now := domain.NowMS()
	onWorker := j.WorkerID != "" && (j.Status == domain.JobAssigned || j.Status == domain.JobInProgress)
	j.Status = domain.JobCancelled
	j.Error = reason
	j.FailedAt = now

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, keyPending, jobID)
	pipe.ZRem(ctx, keyUnworkable, jobID)
	if j.WorkerID != "" {
		pipe.HDel(ctx, activeBucketKey(j.WorkerID), jobID)
		pipe.HSet(ctx, workerKey(j.WorkerID), "current_job_id", "")
	}
	pipe.HSet(ctx, jobKey(jobID), map[string]any{
		"status":    string(domain.JobCancelled),
		"error":     reason,
		"failed_at": now,
	})
	pipe.HSet(ctx, keyCancelled, jobID, jobJSON(j))
	pipe.Expire(ctx, keyCancelled, b.opts.CompletedRetention)
	pipe.Expire(ctx, jobKey(jobID), b.opts.CompletedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.Cancel: %w", err)
	}

	if onWorker {
		// Fire-and-forget abort signal; no acknowledgement awaited.
		b.publish(ctx, domain.Event{Type: domain.EventCancelJob, JobID: jobID, WorkerID: j.WorkerID, Message: reason, Timestamp: now})
	}
	// Monitors see a failure-shaped event carrying the cancel reason.
	b.publish(ctx, domain.Event{Type: domain.EventJobFailed, JobID: jobID, WorkerID: j.WorkerID, Status: domain.JobCancelled, Error: reason, Timestamp: now})
	return nil
}

// MarkUnworkable parks a pending job no live worker can satisfy. The
// score is preserved for a later requeue.
func (b *Broker) MarkUnworkable(ctx context.Context, jobID string) error {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != domain.JobPending {
		return nil
	}
	removed, err := b.rdb.ZRem(ctx, keyPending, jobID).Result()
	if err != nil {
		return fmt.Errorf("op=broker.MarkUnworkable: %w", err)
	}
	if removed == 0 {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(domain.JobUnworkable))
	pipe.ZAdd(ctx, keyUnworkable, redis.Z{Score: j.Score(), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.MarkUnworkable: %w", err)
	}
	b.publish(ctx, domain.Event{
		Type:      domain.EventJobStatusChanged,
		JobID:     jobID,
		Status:    domain.JobUnworkable,
		OldStatus: string(domain.JobPending),
		NewStatus: string(domain.JobUnworkable),
		Message:   "no capable worker",
	})
	return nil
}

// RequeueUnworkable moves an unworkable job back to pending at its
// preserved score.
func (b *Broker) RequeueUnworkable(ctx context.Context, jobID string) error {
	j, err := b.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != domain.JobUnworkable {
		return nil
	}
	removed, err := b.rdb.ZRem(ctx, keyUnworkable, jobID).Result()
	if err != nil {
		return fmt.Errorf("op=broker.RequeueUnworkable: %w", err)
	}
	if removed == 0 {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(domain.JobPending))
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: j.Score(), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.RequeueUnworkable: %w", err)
	}
	observability.JobsRequeuedTotal.WithLabelValues("unworkable").Inc()
	b.publish(ctx, domain.Event{
		Type:      domain.EventJobStatusChanged,
		JobID:     jobID,
		Status:    domain.JobPending,
		OldStatus: string(domain.JobUnworkable),
		NewStatus: string(domain.JobPending),
		Message:   "requeued",
	})
	return nil
}

// Get loads a job record.
func (b *Broker) Get(ctx context.Context, jobID string) (domain.Job, error) {
	h, err := b.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=broker.Get: %w", err)
	}
	return jobFromHash(h)
}

func (b *Broker) setWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) {
	if err := b.rdb.HSet(ctx, workflowKey(workflowID), "status", string(status)).Err(); err != nil {
		slog.Warn("workflow status update failed", slog.String("workflow_id", workflowID), slog.Any("error", err))
	}
}
