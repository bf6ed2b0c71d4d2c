package fanout

import "sync"

// Bindings is the process-local job-to-client map: which client id
// submitted which job. Non-durable; a restart drops it and clients
// re-subscribe after reconnect. Writers are the admission paths (insert)
// and the router (delete on terminal events).
type Bindings struct {
	mu        sync.RWMutex
	submitter map[string]string
}

// NewBindings returns an empty binding map.
func NewBindings() *Bindings {
	return &Bindings{submitter: make(map[string]string)}
}

// Bind records that clientID submitted jobID. Empty client ids (HTTP
// submissions with nobody to stream back to) are not recorded.
func (b *Bindings) Bind(jobID, clientID string) {
	if jobID == "" || clientID == "" {
		return
	}
	b.mu.Lock()
	b.submitter[jobID] = clientID
	b.mu.Unlock()
}

// Submitter returns the client id bound to jobID, if any.
func (b *Bindings) Submitter(jobID string) (string, bool) {
	b.mu.RLock()
	id, ok := b.submitter[jobID]
	b.mu.RUnlock()
	return id, ok
}

// Drop removes the binding for jobID.
func (b *Bindings) Drop(jobID string) {
	b.mu.Lock()
	delete(b.submitter, jobID)
	b.mu.Unlock()
}

// Len reports the number of live bindings.
func (b *Bindings) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.submitter)
}
