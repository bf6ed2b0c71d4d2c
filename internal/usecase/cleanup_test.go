package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	calls []string

	orphans int
	marked  int
	stale   int
	resets  int

	resetErr error
}

func (f *fakeSweeper) RecoverOrphans(context.Context) (int, error) {
	f.calls = append(f.calls, "recover")
	return f.orphans, nil
}

func (f *fakeSweeper) ResetWorker(_ context.Context, workerID string) error {
	f.calls = append(f.calls, "reset:"+workerID)
	return f.resetErr
}

func (f *fakeSweeper) ResetAllWorkers(context.Context) (int, error) {
	f.calls = append(f.calls, "reset-all")
	return f.resets, nil
}

func (f *fakeSweeper) ReleaseStale(_ context.Context, maxAge time.Duration) (int, error) {
	f.calls = append(f.calls, "stale:"+maxAge.String())
	return f.stale, nil
}

func (f *fakeSweeper) MarkUnworkables(context.Context) (int, error) {
	f.calls = append(f.calls, "mark")
	return f.marked, nil
}

func TestCleanup_EmptyRequestIsNoOp(t *testing.T) {
	sw := &fakeSweeper{}
	res, err := NewCleanupService(sw).Run(context.Background(), CleanupRequest{})
	require.NoError(t, err)
	assert.Empty(t, sw.calls)
	assert.Zero(t, res)
}

func TestCleanup_FullRequestRunsInOrder(t *testing.T) {
	sw := &fakeSweeper{orphans: 2, marked: 1, stale: 3, resets: 4}
	res, err := NewCleanupService(sw).Run(context.Background(), CleanupRequest{
		ResetSpecificWorker: "w9",
		ResetWorkers:        true,
		CleanupOrphanedJobs: true,
		MaxJobAgeMinutes:    30,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"reset:w9", "reset-all", "recover", "mark", "stale:30m0s"}, sw.calls)
	assert.Equal(t, CleanupResult{
		OrphanedJobsRequeued: 2,
		WorkersReset:         4,
		StaleJobsReleased:    3,
		UnworkableMarked:     1,
		SpecificWorkerReset:  true,
	}, res)
}

func TestCleanup_StopsOnError(t *testing.T) {
	sw := &fakeSweeper{resetErr: errors.New("boom")}
	res, err := NewCleanupService(sw).Run(context.Background(), CleanupRequest{
		ResetSpecificWorker: "w1",
		CleanupOrphanedJobs: true,
	})
	require.Error(t, err)
	assert.False(t, res.SpecificWorkerReset)
	assert.Equal(t, []string{"reset:w1"}, sw.calls)
}
