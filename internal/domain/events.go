package domain

// EventType discriminates domain events. Values double as the store's
// pub/sub channel names where a backend channel exists.
type EventType string

const (
	EventJobSubmitted           EventType = "job_submitted"
	EventJobAssigned            EventType = "job_assigned"
	EventJobStatusChanged       EventType = "job_status_changed"
	EventJobProgress            EventType = "update_job_progress"
	EventJobCompleted           EventType = "complete_job"
	EventJobFailed              EventType = "job_failed"
	EventCancelJob              EventType = "cancel_job"
	EventWorkerStatusChanged    EventType = "worker_status_changed"
	EventMachineStartup         EventType = "machine_startup"
	EventMachineStartupStep     EventType = "machine_startup_step"
	EventMachineStartupComplete EventType = "machine_startup_complete"
)

// Event is the typed domain event fanned out to monitors, submitting
// clients, and subscribed observers. Timestamp is milliseconds since
// epoch; within a single job id events are monotonic in it.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	MachineID string         `json:"machine_id,omitempty"`
	Status    JobStatus      `json:"status,omitempty"`
	OldStatus string         `json:"old_status,omitempty"`
	NewStatus string         `json:"new_status,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Job       *Job           `json:"job,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// TerminalForJob reports whether the event ends the stream for its job:
// the fanout router drops submitter bindings and closes SSE streams on it.
func (e Event) TerminalForJob() bool {
	return e.Type == EventJobCompleted || e.Type == EventJobFailed
}
