// Package usecase orchestrates admission and cleanup on top of the
// domain ports: validation, workflow-aware submission, submitter
// binding, and the janitor facade behind POST /api/cleanup.
package usecase

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// Binder records which client submitted which job so progress can be
// routed back. The fanout router implements it.
type Binder interface {
	Bind(jobID, clientID string)
}

// JobService is the admission gateway's core: HTTP and WebSocket
// submission share this one path.
type JobService struct {
	broker   domain.Broker
	binder   Binder
	validate *validator.Validate
}

// NewJobService wires the admission path. binder may be nil when no
// connection layer exists (tests, CLI tools).
func NewJobService(broker domain.Broker, binder Binder) *JobService {
	return &JobService{
		broker:   broker,
		binder:   binder,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Submit validates the request, admits the job, and binds the submitter
// identity when one exists.
func (s *JobService) Submit(ctx context.Context, req domain.SubmitRequest, clientID string) (domain.Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationSummary(err))
	}
	j, err := s.broker.Submit(ctx, req)
	if err != nil {
		return domain.Job{}, err
	}
	if s.binder != nil {
		s.binder.Bind(j.ID, clientID)
	}
	return j, nil
}

// Get loads one job.
func (s *JobService) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return s.broker.Get(ctx, jobID)
}

// List pages jobs by status filter.
func (s *JobService) List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, int64, error) {
	return s.broker.List(ctx, status, limit, offset)
}

// Counts aggregates queue bucket sizes.
func (s *JobService) Counts(ctx context.Context) (domain.QueueCounts, error) {
	return s.broker.Counts(ctx)
}

// Cancel terminally cancels a job; idempotent on terminal jobs.
func (s *JobService) Cancel(ctx context.Context, jobID, reason string) error {
	if _, err := s.broker.Get(ctx, jobID); err != nil {
		return err
	}
	return s.broker.Cancel(ctx, jobID, reason)
}

// validationSummary flattens validator errors into the short reason an
// error reply carries.
func validationSummary(err error) string {
	var verrs validator.ValidationErrors
	if ok := isValidationErrors(err, &verrs); !ok || len(verrs) == 0 {
		return "invalid submission"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldName(fe.Field()))
	case "gte", "lte":
		return fmt.Sprintf("%s out of range", fieldName(fe.Field()))
	default:
		return fmt.Sprintf("%s is invalid", fieldName(fe.Field()))
	}
}

func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

func fieldName(f string) string {
	switch f {
	case "ServiceRequired":
		return "service_required"
	case "Priority":
		return "priority"
	case "MaxRetries":
		return "max_retries"
	default:
		return f
	}
}
