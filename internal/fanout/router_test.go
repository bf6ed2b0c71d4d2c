package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

type fakeConns struct {
	mu         sync.Mutex
	monitor    []domain.Event
	client     map[string][]domain.Event
	subscribed map[string][]domain.Event
}

func newFakeConns() *fakeConns {
	return &fakeConns{client: map[string][]domain.Event{}, subscribed: map[string][]domain.Event{}}
}

func (f *fakeConns) BroadcastMonitors(ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitor = append(f.monitor, ev)
}

func (f *fakeConns) SendToClient(clientID string, ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.client[clientID] = append(f.client[clientID], ev)
}

func (f *fakeConns) BroadcastSubscribed(jobID string, ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[jobID] = append(f.subscribed[jobID], ev)
}

type fakeSSE struct {
	mu     sync.Mutex
	sent   map[string][]domain.Event
	closed []string
}

func newFakeSSE() *fakeSSE { return &fakeSSE{sent: map[string][]domain.Event{}} }

func (f *fakeSSE) SendSSE(jobID string, ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[jobID] = append(f.sent[jobID], ev)
}

func (f *fakeSSE) CloseSSE(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, jobID)
}

func newTestRouter() (*Router, *fakeConns, *fakeSSE) {
	r := NewRouter()
	conns := newFakeConns()
	sse := newFakeSSE()
	r.Attach(conns, sse)
	return r, conns, sse
}

func TestRoute_ProgressGoesToAllAudiences(t *testing.T) {
	r, conns, sse := newTestRouter()
	r.Bind("j1", "c1")

	r.Route(domain.Event{Type: domain.EventJobProgress, JobID: "j1", Progress: 40})

	assert.Len(t, conns.monitor, 1)
	assert.Len(t, conns.client["c1"], 1)
	assert.Len(t, conns.subscribed["j1"], 1)
	assert.Len(t, sse.sent["j1"], 1)
	assert.Empty(t, sse.closed)
}

func TestRoute_SubmittedIsMonitorOnly(t *testing.T) {
	r, conns, sse := newTestRouter()
	r.Bind("j1", "c1")

	r.Route(domain.Event{Type: domain.EventJobSubmitted, JobID: "j1"})

	assert.Len(t, conns.monitor, 1)
	assert.Empty(t, conns.client["c1"])
	assert.Empty(t, sse.sent["j1"])
}

func TestRoute_TerminalCleansUp(t *testing.T) {
	r, conns, sse := newTestRouter()
	r.Bind("j1", "c1")

	r.Route(domain.Event{Type: domain.EventJobCompleted, JobID: "j1"})

	// Delivered first, then the binding is dropped and SSE closed.
	require.Len(t, conns.client["c1"], 1)
	assert.Equal(t, []string{"j1"}, sse.closed)
	_, ok := r.Submitter("j1")
	assert.False(t, ok)

	// A duplicate terminal event (pub/sub + keyspace both fired) fans
	// out again but finds no submitter binding.
	r.Route(domain.Event{Type: domain.EventJobCompleted, JobID: "j1"})
	assert.Len(t, conns.client["c1"], 1)
	assert.Len(t, conns.monitor, 2)
}

func TestRoute_WorkerEventsSkipClients(t *testing.T) {
	r, conns, sse := newTestRouter()
	r.Bind("j1", "c1")

	r.Route(domain.Event{Type: domain.EventWorkerStatusChanged, WorkerID: "w1", JobID: "j1"})

	assert.Len(t, conns.monitor, 1)
	assert.Empty(t, conns.client["c1"])
	assert.Empty(t, conns.subscribed["j1"])
	assert.Empty(t, sse.sent["j1"])
}

func TestRoute_CancelJobStaysOffTheFanout(t *testing.T) {
	r, conns, _ := newTestRouter()
	r.Route(domain.Event{Type: domain.EventCancelJob, JobID: "j1", WorkerID: "w1"})
	assert.Empty(t, conns.monitor)
}

func TestRoute_TimestampAssigned(t *testing.T) {
	r, conns, _ := newTestRouter()
	r.Route(domain.Event{Type: domain.EventJobSubmitted, JobID: "j1"})
	require.Len(t, conns.monitor, 1)
	assert.NotZero(t, conns.monitor[0].Timestamp)
}

func TestMonitorWants(t *testing.T) {
	set := func(topics ...string) map[string]struct{} {
		m := map[string]struct{}{}
		for _, s := range topics {
			m[s] = struct{}{}
		}
		return m
	}

	// Empty set means everything.
	assert.True(t, MonitorWants(nil, domain.EventJobProgress))
	assert.True(t, MonitorWants(set(), domain.EventWorkerStatusChanged))

	// "jobs" covers every job event.
	assert.True(t, MonitorWants(set("jobs"), domain.EventJobSubmitted))
	assert.True(t, MonitorWants(set("jobs"), domain.EventJobProgress))
	assert.False(t, MonitorWants(set("jobs"), domain.EventWorkerStatusChanged))

	// jobs:<suffix> matches the underscore-tail of the event type.
	assert.True(t, MonitorWants(set("jobs:progress"), domain.EventJobProgress))
	assert.False(t, MonitorWants(set("jobs:progress"), domain.EventJobSubmitted))
	assert.True(t, MonitorWants(set("jobs:submitted"), domain.EventJobSubmitted))

	// "workers" covers the worker/machine family.
	assert.True(t, MonitorWants(set("workers"), domain.EventWorkerStatusChanged))
	assert.True(t, MonitorWants(set("workers"), domain.EventMachineStartupStep))
	assert.False(t, MonitorWants(set("workers"), domain.EventJobProgress))
}

func TestBindings_Concurrency(t *testing.T) {
	b := NewBindings()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				b.Bind("job", "client")
				b.Submitter("job")
				b.Drop("job")
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, b.Len())
}
