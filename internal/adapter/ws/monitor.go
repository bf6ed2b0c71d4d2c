package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const requestTimeout = 15 * time.Second

// handleMonitorMessage dispatches one inbound monitor frame.
func (h *Hub) handleMonitorMessage(c *conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.enqueue(errorReply("", "malformed message").encode())
		return
	}

	switch env.Type {
	case msgMonitorConnect:
		var m monitorConnectMsg
		if err := json.Unmarshal(data, &m); err != nil {
			c.enqueue(errorReply(env.ID, "malformed monitor_connect").encode())
			return
		}
		c.enqueue(outbound{Type: "monitor_connect_ack", MessageID: env.ID, ConnectionID: c.id, MonitorID: c.clientID}.encode())
		if m.RequestFullState {
			h.sendSnapshot(c, env.ID)
		}

	case msgSubscribe:
		var m subscribeMsg
		if err := json.Unmarshal(data, &m); err != nil {
			c.enqueue(errorReply(env.ID, "malformed subscribe").encode())
			return
		}
		// The topic set is replaced wholesale, not merged.
		c.setTopics(m.Topics)
		c.enqueue(outbound{Type: "subscribe_ack", MessageID: env.ID, Topics: m.Topics}.encode())

	case msgHeartbeat:
		c.enqueue(outbound{Type: "heartbeat_ack", MessageID: env.ID}.encode())

	default:
		c.enqueue(errorReply(env.ID, "unknown message type: "+env.Type).encode())
	}
}

// sendSnapshot assembles the paged full-state view and ships it as a
// single message. Assembly happens on the reader goroutine; the monitor
// hears nothing else from its own connection until it is done.
func (h *Hub) sendSnapshot(c *conn, messageID string) {
	if h.snap == nil {
		c.enqueue(errorReply(messageID, "snapshot unavailable").encode())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	snap, err := h.snap.BuildSnapshot(ctx)
	if err != nil {
		slog.Warn("snapshot build failed", slog.Any("error", err))
		c.enqueue(errorReply(messageID, "snapshot failed").encode())
		return
	}
	if !c.enqueue(outbound{Type: "full_state_snapshot", MessageID: messageID, Snapshot: &snap}.encode()) {
		h.drop(c)
	}
}
