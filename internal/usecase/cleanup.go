package usecase

import (
	"context"
	"time"
)

// Sweeper is the janitor surface the cleanup endpoint drives.
type Sweeper interface {
	RecoverOrphans(ctx context.Context) (int, error)
	ResetWorker(ctx context.Context, workerID string) error
	ResetAllWorkers(ctx context.Context) (int, error)
	ReleaseStale(ctx context.Context, maxAge time.Duration) (int, error)
	MarkUnworkables(ctx context.Context) (int, error)
}

// CleanupRequest is the POST /api/cleanup body.
type CleanupRequest struct {
	ResetWorkers        bool   `json:"reset_workers,omitempty"`
	CleanupOrphanedJobs bool   `json:"cleanup_orphaned_jobs,omitempty"`
	ResetSpecificWorker string `json:"reset_specific_worker,omitempty"`
	MaxJobAgeMinutes    int    `json:"max_job_age_minutes,omitempty"`
}

// CleanupResult reports what each requested pass touched.
type CleanupResult struct {
	OrphanedJobsRequeued int  `json:"orphaned_jobs_requeued"`
	WorkersReset         int  `json:"workers_reset"`
	StaleJobsReleased    int  `json:"stale_jobs_released"`
	UnworkableMarked     int  `json:"unworkable_marked"`
	SpecificWorkerReset  bool `json:"specific_worker_reset,omitempty"`
}

// CleanupService exposes the janitor's on-demand passes to the gateway.
type CleanupService struct {
	sweeper Sweeper
}

// NewCleanupService wraps a sweeper.
func NewCleanupService(sweeper Sweeper) *CleanupService {
	return &CleanupService{sweeper: sweeper}
}

// Run executes the passes the request asks for, in dependency order:
// specific reset first, then full resets, then orphan recovery, then
// stale-age release.
func (s *CleanupService) Run(ctx context.Context, req CleanupRequest) (CleanupResult, error) {
	var res CleanupResult

	if req.ResetSpecificWorker != "" {
		if err := s.sweeper.ResetWorker(ctx, req.ResetSpecificWorker); err != nil {
			return res, err
		}
		res.SpecificWorkerReset = true
	}
	if req.ResetWorkers {
		n, err := s.sweeper.ResetAllWorkers(ctx)
		if err != nil {
			return res, err
		}
		res.WorkersReset = n
	}
	if req.CleanupOrphanedJobs {
		n, err := s.sweeper.RecoverOrphans(ctx)
		if err != nil {
			return res, err
		}
		res.OrphanedJobsRequeued = n

		marked, err := s.sweeper.MarkUnworkables(ctx)
		if err != nil {
			return res, err
		}
		res.UnworkableMarked = marked
	}
	if req.MaxJobAgeMinutes > 0 {
		n, err := s.sweeper.ReleaseStale(ctx, time.Duration(req.MaxJobAgeMinutes)*time.Minute)
		if err != nil {
			return res, err
		}
		res.StaleJobsReleased = n
	}
	return res, nil
}
