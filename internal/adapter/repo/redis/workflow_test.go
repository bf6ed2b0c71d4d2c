package redisrepo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

func TestWorkflowCreatedOnFirstSubmission(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	j1, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 70, WorkflowID: "wf-1", StepNumber: 1})
	require.NoError(t, err)

	wf, err := b.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 70, wf.Priority)
	assert.Equal(t, j1.WorkflowDatetime, wf.SubmittedAt)
	assert.Equal(t, domain.WorkflowActive, wf.Status)

	// Step two inherits verbatim, ignoring its own priority.
	j2, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", Priority: 5, WorkflowID: "wf-1", StepNumber: 2})
	require.NoError(t, err)
	assert.Equal(t, 70, j2.WorkflowPriority)
	assert.Equal(t, j1.WorkflowDatetime, j2.WorkflowDatetime)
	assert.Equal(t, j1.Score(), j2.Score())
}

func TestWorkflowStatusFollowsTerminalJobs(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	j, err := b.Submit(ctx, domain.SubmitRequest{ServiceRequired: "comfyui", WorkflowID: "wf-2"})
	require.NoError(t, err)
	ok, _ := b.Claim(ctx, j.ID, "w1")
	require.True(t, ok)
	require.NoError(t, b.Complete(ctx, j.ID, nil))

	wf, err := b.GetWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, wf.Status)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	_, err := b.GetWorkflow(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
