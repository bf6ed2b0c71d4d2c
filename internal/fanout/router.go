// Package fanout decides which downstream connections receive each
// domain event: monitors (topic-filtered), the submitting client, and
// subscribed observers over WebSocket and SSE. The router never mutates
// store state, so duplicate delivery of the same event is harmless.
package fanout

import (
	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/observability"
	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// Connections is the registry surface the WebSocket multiplexer exposes
// to the router. The router depends on this interface only; it never
// imports the concrete hub.
type Connections interface {
	// BroadcastMonitors delivers the event to every monitor whose topic
	// set accepts it (MonitorWants).
	BroadcastMonitors(ev domain.Event)
	// SendToClient delivers the event to one client connection by id.
	SendToClient(clientID string, ev domain.Event)
	// BroadcastSubscribed delivers the event to every client that
	// subscribed to the job's progress.
	BroadcastSubscribed(jobID string, ev domain.Event)
}

// SSE is the server-sent-events registry surface.
type SSE interface {
	SendSSE(jobID string, ev domain.Event)
	CloseSSE(jobID string)
}

// Router owns the submitter bindings and the routing table.
type Router struct {
	bindings *Bindings
	conns    Connections
	sse      SSE
}

// NewRouter constructs a router with empty bindings. Attach wires the
// connection registries once the multiplexer exists; until then events
// are routed to nobody.
func NewRouter() *Router {
	return &Router{bindings: NewBindings()}
}

// Attach wires the connection registries. Either may be nil in tests.
func (r *Router) Attach(conns Connections, sse SSE) {
	r.conns = conns
	r.sse = sse
}

// Bind records the submitter of a job. Called by the admission paths.
func (r *Router) Bind(jobID, clientID string) { r.bindings.Bind(jobID, clientID) }

// Submitter exposes the binding for the gateway's ownership checks.
func (r *Router) Submitter(jobID string) (string, bool) { return r.bindings.Submitter(jobID) }

// Route fans an event out to its audiences per the routing table. On
// terminal job events it also closes SSE streams and drops the
// submitter binding.
func (r *Router) Route(ev domain.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = domain.NowMS()
	}

	switch ev.Type {
	case domain.EventJobSubmitted:
		// Submitters get an ack on the admission path, not a fanout copy.
		r.toMonitors(ev)

	case domain.EventWorkerStatusChanged,
		domain.EventMachineStartup,
		domain.EventMachineStartupStep,
		domain.EventMachineStartupComplete:
		r.toMonitors(ev)

	case domain.EventJobAssigned, domain.EventJobStatusChanged, domain.EventJobProgress:
		r.toMonitors(ev)
		r.toSubmitter(ev)
		r.toObservers(ev)

	case domain.EventJobCompleted, domain.EventJobFailed:
		r.toMonitors(ev)
		r.toSubmitter(ev)
		r.toObservers(ev)
		if r.sse != nil && ev.JobID != "" {
			r.sse.CloseSSE(ev.JobID)
		}
		r.bindings.Drop(ev.JobID)

	case domain.EventCancelJob:
		// Worker-directed abort signal; it rides the store's pub/sub
		// channel, not the connection fanout.
	}
}

func (r *Router) toMonitors(ev domain.Event) {
	if r.conns == nil {
		return
	}
	r.conns.BroadcastMonitors(ev)
	observability.EventsFanoutTotal.WithLabelValues(string(ev.Type), "monitor").Inc()
}

func (r *Router) toSubmitter(ev domain.Event) {
	if r.conns == nil || ev.JobID == "" {
		return
	}
	clientID, ok := r.bindings.Submitter(ev.JobID)
	if !ok {
		return
	}
	r.conns.SendToClient(clientID, ev)
	observability.EventsFanoutTotal.WithLabelValues(string(ev.Type), "client").Inc()
}

func (r *Router) toObservers(ev domain.Event) {
	if ev.JobID == "" {
		return
	}
	if r.conns != nil {
		r.conns.BroadcastSubscribed(ev.JobID, ev)
	}
	if r.sse != nil {
		r.sse.SendSSE(ev.JobID, ev)
	}
	observability.EventsFanoutTotal.WithLabelValues(string(ev.Type), "observer").Inc()
}
