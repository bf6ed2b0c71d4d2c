package redisrepo

import (
	"context"
	"fmt"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// ensureWorkflow returns the inheritance record for a workflow, creating
// it from the first submission when absent. The HSETNX on submitted_at
// decides creation races: whoever sets it first pins the workflow's
// priority and submission time for every later step.
func (b *Broker) ensureWorkflow(ctx context.Context, workflowID string, priority int, nowMS int64) (domain.Workflow, error) {
	key := workflowKey(workflowID)
	created, err := b.rdb.HSetNX(ctx, key, "submitted_at", nowMS).Result()
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("op=broker.ensureWorkflow: %w", err)
	}
	if created {
		pipe := b.rdb.TxPipeline()
		pipe.HSet(ctx, key, map[string]any{
			"workflow_id": workflowID,
			"priority":    priority,
			"status":      string(domain.WorkflowActive),
		})
		pipe.Expire(ctx, key, b.opts.WorkflowRetention)
		if _, err := pipe.Exec(ctx); err != nil {
			return domain.Workflow{}, fmt.Errorf("op=broker.ensureWorkflow: %w", err)
		}
		return domain.Workflow{ID: workflowID, Priority: priority, SubmittedAt: nowMS, Status: domain.WorkflowActive}, nil
	}
	return b.GetWorkflow(ctx, workflowID)
}

// GetWorkflow loads workflow metadata.
func (b *Broker) GetWorkflow(ctx context.Context, workflowID string) (domain.Workflow, error) {
	h, err := b.rdb.HGetAll(ctx, workflowKey(workflowID)).Result()
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("op=broker.GetWorkflow: %w", err)
	}
	if len(h) == 0 {
		return domain.Workflow{}, domain.ErrNotFound
	}
	wf := domain.Workflow{
		ID:          workflowID,
		Priority:    atoi(h["priority"]),
		SubmittedAt: atoi64(h["submitted_at"]),
		Status:      domain.WorkflowStatus(h["status"]),
	}
	if wf.Status == "" {
		wf.Status = domain.WorkflowActive
	}
	return wf, nil
}
