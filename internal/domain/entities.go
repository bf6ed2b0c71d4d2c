// Package domain holds the core entities of the job-queue orchestrator:
// jobs, workers, workflows, capability matching, and the event model.
// It defines the ports implemented by the Redis adapter and depends on
// nothing outside the standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrInternal        = errors.New("internal error")
)

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobUnworkable JobStatus = "unworkable"
)

// Terminal reports whether the status admits no further transitions.
// Unworkable is deliberately not terminal: the Janitor may requeue it.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// HardwareSpecs describes worker hardware or a job's hardware floor.
// A zero value on the requirement side waives the corresponding check.
type HardwareSpecs struct {
	GPUCount    int `json:"gpu_count,omitempty"`
	GPUMemoryGB int `json:"gpu_memory_gb,omitempty"`
	CPUCores    int `json:"cpu_cores,omitempty"`
	RAMGB       int `json:"ram_gb,omitempty"`
}

// CustomerAccess is a worker's customer isolation policy.
// Isolation "strict" restricts the worker to the allow/deny lists;
// anything else accepts every customer.
type CustomerAccess struct {
	Isolation string   `json:"isolation,omitempty"`
	Allowed   []string `json:"allowed,omitempty"`
	Denied    []string `json:"denied,omitempty"`
}

// Requirements are optional capability constraints on a submission.
// String fields may carry the sentinel "all" to waive the check.
type Requirements struct {
	ServiceType string        `json:"service_type,omitempty"`
	Component   string        `json:"component,omitempty"`
	Workflow    string        `json:"workflow,omitempty"`
	Hardware    HardwareSpecs `json:"hardware,omitempty"`
	Models      []string      `json:"models,omitempty"`
}

// Job is the unit of work. Identity is immutable; status, worker binding
// and timestamps are mutated by the Broker only.
type Job struct {
	ID               string         `json:"job_id"`
	ServiceRequired  string         `json:"service_required"`
	Priority         int            `json:"priority"`
	Payload          map[string]any `json:"payload,omitempty"`
	Requirements     *Requirements  `json:"requirements,omitempty"`
	CustomerID       string         `json:"customer_id,omitempty"`
	MaxRetries       int            `json:"max_retries"`
	RetryCount       int            `json:"retry_count"`
	Status           JobStatus      `json:"status"`
	WorkerID         string         `json:"worker_id,omitempty"`
	LastFailedWorker string         `json:"last_failed_worker,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`

	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority int    `json:"workflow_priority"`
	WorkflowDatetime int64  `json:"workflow_datetime"`
	StepNumber       int    `json:"step_number,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	AssignedAt  int64 `json:"assigned_at,omitempty"`
	StartedAt   int64 `json:"started_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
	FailedAt    int64 `json:"failed_at,omitempty"`
}

// SubmitRequest is the admission-time shape shared by HTTP and WebSocket
// submission paths.
type SubmitRequest struct {
	ServiceRequired string         `json:"service_required" validate:"required"`
	Priority        int            `json:"priority" validate:"gte=0,lte=100"`
	Payload         map[string]any `json:"payload,omitempty"`
	Requirements    *Requirements  `json:"requirements,omitempty"`
	CustomerID      string         `json:"customer_id,omitempty"`
	MaxRetries      int            `json:"max_retries,omitempty" validate:"gte=0"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	StepNumber      int            `json:"step_number,omitempty"`
}

// DefaultMaxRetries applies when a submission leaves max_retries unset.
const DefaultMaxRetries = 3

// WorkerStatus enumerates worker states. The status field is a cache;
// liveness truth is the heartbeat key TTL.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// Capabilities describes what a worker can run. Components and Workflows
// may hold the sentinel ["all"].
type Capabilities struct {
	WorkerID       string              `json:"worker_id"`
	Services       []string            `json:"services"`
	Components     []string            `json:"components,omitempty"`
	Workflows      []string            `json:"workflows,omitempty"`
	Hardware       HardwareSpecs       `json:"hardware,omitempty"`
	Models         map[string][]string `json:"models,omitempty"`
	CustomerAccess CustomerAccess      `json:"customer_access,omitempty"`
}

// Worker is the registry record for a connected worker.
type Worker struct {
	ID            string       `json:"worker_id"`
	Capabilities  Capabilities `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	ConnectedAt   int64        `json:"connected_at"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	JobsCompleted int          `json:"jobs_completed"`
	JobsFailed    int          `json:"jobs_failed"`
}

// WorkflowStatus enumerates workflow metadata states.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Workflow is the inheritance record shared by all jobs carrying the same
// workflow id: the first submission pins priority and submission time for
// every later step.
type Workflow struct {
	ID          string         `json:"workflow_id"`
	Priority    int            `json:"priority"`
	SubmittedAt int64          `json:"submitted_at"`
	Status      WorkflowStatus `json:"status"`
}

// QueueCounts are the aggregate bucket sizes reported in snapshots and
// by the list API.
type QueueCounts struct {
	Pending    int64 `json:"pending"`
	Active     int64 `json:"active"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Unworkable int64 `json:"unworkable"`
	Workers    int64 `json:"workers"`
}

// Snapshot is the full-state view sent to monitors on request.
type Snapshot struct {
	Workers []Worker         `json:"workers"`
	Jobs    map[string][]Job `json:"jobs"`
	Counts  QueueCounts      `json:"counts"`
}

// NowMS returns the current time in milliseconds since epoch, the wire
// representation for all timestamps.
func NowMS() int64 { return time.Now().UnixMilli() }

// Broker is the job queue port.
type Broker interface {
	Submit(ctx context.Context, req SubmitRequest) (Job, error)
	Claim(ctx context.Context, jobID, workerID string) (bool, error)
	NextForWorker(ctx context.Context, caps Capabilities) (*Job, error)
	Start(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, result map[string]any) error
	Fail(ctx context.Context, jobID, errMsg string, canRetry bool) error
	Cancel(ctx context.Context, jobID, reason string) error
	MarkUnworkable(ctx context.Context, jobID string) error
	RequeueUnworkable(ctx context.Context, jobID string) error

	Get(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context, status JobStatus, limit, offset int) ([]Job, int64, error)
	Counts(ctx context.Context) (QueueCounts, error)

	// Janitor support.
	ActiveBuckets(ctx context.Context) ([]string, error)
	ActiveJobs(ctx context.Context, workerID string) ([]Job, error)
	PendingPage(ctx context.Context, offset, count int) ([]Job, error)
	UnworkablePage(ctx context.Context, offset, count int) ([]Job, error)
}

// Registry is the worker registry port.
type Registry interface {
	Register(ctx context.Context, caps Capabilities) (Worker, error)
	Heartbeat(ctx context.Context, workerID string, systemInfo map[string]any) error
	UpdateStatus(ctx context.Context, workerID string, status WorkerStatus, currentJobID string) error
	Get(ctx context.Context, workerID string) (Worker, error)
	ListActive(ctx context.Context) ([]Worker, error)
	IsAlive(ctx context.Context, workerID string) (bool, error)
	Remove(ctx context.Context, workerID string) error
}

// EventSink accepts domain events for publication to the store's pub/sub
// channels and to the in-process fanout path.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// SnapshotBuilder assembles the paged full-state snapshot for monitors.
type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context) (Snapshot, error)
}
