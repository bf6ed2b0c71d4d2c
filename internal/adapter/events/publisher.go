// Package events couples the store's pub/sub surface to the in-process
// fanout path. The Publisher is the outbound half (domain events onto
// backend channels); the Bus is the single inbound boundary for state
// changes reported by workers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// Backend channel names. These are the wire contract with workers and
// any out-of-process consumer of the store.
const (
	ChannelJobProgress    = "update_job_progress"
	ChannelWorkerStatus   = "worker_status"
	ChannelCompleteJob    = "complete_job"
	ChannelMachineStartup = "machine:startup:events"
)

// Routes is the slice of the fanout router the event layer needs.
type Routes interface {
	Route(ev domain.Event)
}

// ChannelFor maps a domain event type to its backend channel.
func ChannelFor(t domain.EventType) string {
	switch t {
	case domain.EventWorkerStatusChanged:
		return ChannelWorkerStatus
	case domain.EventMachineStartup, domain.EventMachineStartupStep, domain.EventMachineStartupComplete:
		return ChannelMachineStartup
	default:
		// Job event types double as channel names.
		return string(t)
	}
}

// busInbound lists the channels the Bus subscribes to. Events published
// on them come back through the Bus, which routes them; routing those
// locally as well would double every delivery rather than the occasional
// duplicate the router is built to tolerate.
var busInbound = map[string]bool{
	ChannelJobProgress:    true,
	ChannelWorkerStatus:   true,
	ChannelCompleteJob:    true,
	ChannelMachineStartup: true,
}

// Publisher implements domain.EventSink: every event goes onto its
// backend channel for out-of-process consumers (workers, webhook
// service), and events the Bus does not listen for are handed straight
// to the local fanout router.
type Publisher struct {
	rdb *redis.Client

	mu     sync.RWMutex
	router Routes
}

// NewPublisher builds the sink. Attach wires the router once it exists.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Attach sets the local fanout target.
func (p *Publisher) Attach(r Routes) {
	p.mu.Lock()
	p.router = r
	p.mu.Unlock()
}

// Publish sends the event to the store channel and, where the Bus will
// not echo it back, to the local router.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = domain.NowMS()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.Publish marshal: %w", err)
	}
	ch := ChannelFor(ev.Type)
	if err := p.rdb.Publish(ctx, ch, payload).Err(); err != nil {
		return fmt.Errorf("op=events.Publish channel=%s: %w", ch, err)
	}
	if !busInbound[ch] {
		p.mu.RLock()
		r := p.router
		p.mu.RUnlock()
		if r != nil {
			r.Route(ev)
		}
	}
	return nil
}
