package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// handleClientMessage dispatches one inbound client or legacy frame.
// Every reply echoes the caller's id as message_id; failures surface as
// error replies with a short reason, never a stack.
func (h *Hub) handleClientMessage(c *conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.enqueue(errorReply("", "malformed message").encode())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch env.Type {
	case msgSubmitJob:
		var m submitJobMsg
		if err := json.Unmarshal(data, &m); err != nil {
			c.enqueue(errorReply(env.ID, "malformed submit_job").encode())
			return
		}
		j, err := h.jobs.Submit(ctx, m.SubmitRequest, c.clientID)
		if err != nil {
			c.enqueue(errorReply(env.ID, reason(err)).encode())
			return
		}
		// Submitters also get progress without an explicit subscribe.
		c.subscribe(j.ID)
		c.enqueue(outbound{Type: "job_accepted", MessageID: env.ID, JobID: j.ID, Job: &j}.encode())

	case msgSubscribeProgress:
		m, ok := decodeJobRef(c, data, env.ID)
		if !ok {
			return
		}
		c.subscribe(m.JobID)
		c.enqueue(outbound{Type: "subscribed", MessageID: env.ID, JobID: m.JobID}.encode())

	case msgUnsubscribeProgress:
		m, ok := decodeJobRef(c, data, env.ID)
		if !ok {
			return
		}
		c.unsubscribe(m.JobID)
		c.enqueue(outbound{Type: "unsubscribed", MessageID: env.ID, JobID: m.JobID}.encode())

	case msgGetJobStatus:
		m, ok := decodeJobRef(c, data, env.ID)
		if !ok {
			return
		}
		j, err := h.jobs.Get(ctx, m.JobID)
		if err != nil {
			c.enqueue(errorReply(env.ID, reason(err)).encode())
			return
		}
		c.enqueue(outbound{Type: "job_status", MessageID: env.ID, JobID: j.ID, Job: &j}.encode())

	case msgCancelJob:
		m, ok := decodeJobRef(c, data, env.ID)
		if !ok {
			return
		}
		why := m.Reason
		if why == "" {
			why = "cancelled by user"
		}
		if err := h.jobs.Cancel(ctx, m.JobID, why); err != nil {
			c.enqueue(errorReply(env.ID, reason(err)).encode())
			return
		}
		c.enqueue(outbound{Type: "job_cancelled", MessageID: env.ID, JobID: m.JobID}.encode())

	default:
		c.enqueue(errorReply(env.ID, "unknown message type: "+env.Type).encode())
	}
}

func decodeJobRef(c *conn, data []byte, messageID string) (jobRefMsg, bool) {
	var m jobRefMsg
	if err := json.Unmarshal(data, &m); err != nil || m.JobID == "" {
		c.enqueue(errorReply(messageID, "job_id required").encode())
		return m, false
	}
	return m, true
}

// reason maps errors to the short user-visible strings carried by error
// replies.
func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "job not found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return err.Error()
	default:
		return "internal error"
	}
}
