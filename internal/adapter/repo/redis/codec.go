package redisrepo

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// jobToHash flattens a job into the field map stored at job:<id>.
// Structured fields travel as embedded JSON.
func jobToHash(j domain.Job) map[string]any {
	h := map[string]any{
		"job_id":             j.ID,
		"service_required":   j.ServiceRequired,
		"priority":           j.Priority,
		"max_retries":        j.MaxRetries,
		"retry_count":        j.RetryCount,
		"status":             string(j.Status),
		"worker_id":          j.WorkerID,
		"last_failed_worker": j.LastFailedWorker,
		"error":              j.Error,
		"customer_id":        j.CustomerID,
		"workflow_id":        j.WorkflowID,
		"workflow_priority":  j.WorkflowPriority,
		"workflow_datetime":  j.WorkflowDatetime,
		"step_number":        j.StepNumber,
		"created_at":         j.CreatedAt,
		"assigned_at":        j.AssignedAt,
		"started_at":         j.StartedAt,
		"completed_at":       j.CompletedAt,
		"failed_at":          j.FailedAt,
	}
	if j.Payload != nil {
		b, _ := json.Marshal(j.Payload)
		h["payload"] = string(b)
	}
	if j.Requirements != nil {
		b, _ := json.Marshal(j.Requirements)
		h["requirements"] = string(b)
	}
	if j.Result != nil {
		b, _ := json.Marshal(j.Result)
		h["result"] = string(b)
	}
	return h
}

func jobFromHash(h map[string]string) (domain.Job, error) {
	if len(h) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	j := domain.Job{
		ID:               h["job_id"],
		ServiceRequired:  h["service_required"],
		Priority:         atoi(h["priority"]),
		MaxRetries:       atoi(h["max_retries"]),
		RetryCount:       atoi(h["retry_count"]),
		Status:           domain.JobStatus(h["status"]),
		WorkerID:         h["worker_id"],
		LastFailedWorker: h["last_failed_worker"],
		Error:            h["error"],
		CustomerID:       h["customer_id"],
		WorkflowID:       h["workflow_id"],
		WorkflowPriority: atoi(h["workflow_priority"]),
		WorkflowDatetime: atoi64(h["workflow_datetime"]),
		StepNumber:       atoi(h["step_number"]),
		CreatedAt:        atoi64(h["created_at"]),
		AssignedAt:       atoi64(h["assigned_at"]),
		StartedAt:        atoi64(h["started_at"]),
		CompletedAt:      atoi64(h["completed_at"]),
		FailedAt:         atoi64(h["failed_at"]),
	}
	if s := h["payload"]; s != "" {
		if err := json.Unmarshal([]byte(s), &j.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobFromHash payload: %w", err)
		}
	}
	if s := h["requirements"]; s != "" {
		var r domain.Requirements
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobFromHash requirements: %w", err)
		}
		j.Requirements = &r
	}
	if s := h["result"]; s != "" {
		if err := json.Unmarshal([]byte(s), &j.Result); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobFromHash result: %w", err)
		}
	}
	return j, nil
}

func workerToHash(w domain.Worker) map[string]any {
	caps, _ := json.Marshal(w.Capabilities)
	return map[string]any{
		"worker_id":      w.ID,
		"capabilities":   string(caps),
		"status":         string(w.Status),
		"current_job_id": w.CurrentJobID,
		"connected_at":   w.ConnectedAt,
		"last_heartbeat": w.LastHeartbeat,
		"jobs_completed": w.JobsCompleted,
		"jobs_failed":    w.JobsFailed,
	}
}

func workerFromHash(h map[string]string) (domain.Worker, error) {
	if len(h) == 0 {
		return domain.Worker{}, domain.ErrNotFound
	}
	w := domain.Worker{
		ID:            h["worker_id"],
		Status:        domain.WorkerStatus(h["status"]),
		CurrentJobID:  h["current_job_id"],
		ConnectedAt:   atoi64(h["connected_at"]),
		LastHeartbeat: atoi64(h["last_heartbeat"]),
		JobsCompleted: atoi(h["jobs_completed"]),
		JobsFailed:    atoi(h["jobs_failed"]),
	}
	if s := h["capabilities"]; s != "" {
		if err := json.Unmarshal([]byte(s), &w.Capabilities); err != nil {
			return domain.Worker{}, fmt.Errorf("op=workerFromHash capabilities: %w", err)
		}
	}
	return w, nil
}

// jobJSON renders the snapshot stored in active/terminal buckets.
func jobJSON(j domain.Job) string {
	b, _ := json.Marshal(j)
	return string(b)
}

func jobFieldJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jobFromJSON(s string) (domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobFromJSON: %w", err)
	}
	return j, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
