package ws

import (
	"encoding/json"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// Inbound message kinds. Anything else is rejected with a typed error,
// never silently dropped.
const (
	// Monitor connections.
	msgMonitorConnect = "monitor_connect"
	msgSubscribe      = "subscribe"
	msgHeartbeat      = "heartbeat"

	// Client and legacy connections.
	msgSubmitJob           = "submit_job"
	msgSubscribeProgress   = "subscribe_progress"
	msgUnsubscribeProgress = "unsubscribe_progress"
	msgGetJobStatus        = "get_job_status"
	msgCancelJob           = "cancel_job"
)

// envelope carries the discriminator and correlation id shared by every
// inbound message; the full payload is re-decoded per kind.
type envelope struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

type monitorConnectMsg struct {
	envelope
	RequestFullState bool `json:"request_full_state,omitempty"`
}

type subscribeMsg struct {
	envelope
	Topics []string `json:"topics"`
}

type submitJobMsg struct {
	envelope
	domain.SubmitRequest
}

type jobRefMsg struct {
	envelope
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// outbound is the reply/event envelope. MessageID echoes the inbound id
// on acks; Timestamp is milliseconds since epoch.
type outbound struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp int64  `json:"timestamp"`

	ConnectionID string           `json:"connection_id,omitempty"`
	ClientID     string           `json:"client_id,omitempty"`
	MonitorID    string           `json:"monitor_id,omitempty"`
	JobID        string           `json:"job_id,omitempty"`
	Topics       []string         `json:"topics,omitempty"`
	Job          *domain.Job      `json:"job,omitempty"`
	Snapshot     *domain.Snapshot `json:"snapshot,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func (m outbound) encode() []byte {
	if m.Timestamp == 0 {
		m.Timestamp = domain.NowMS()
	}
	b, _ := json.Marshal(m)
	return b
}

func errorReply(messageID, reason string) outbound {
	return outbound{Type: "error", MessageID: messageID, Error: reason}
}
