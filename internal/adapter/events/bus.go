package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// Bus subscribes to the backend pub/sub channels and to keyspace
// notifications on job and worker keys, translating raw messages into
// typed domain events for the fanout router. It is the single inbound
// boundary for state changes reported by workers: job mutations they
// announce land on the Broker here, never in connection-side code.
//
// Keyspace notifications are a redundant signal catching mutations made
// directly on the store; both signals may fire for one transition and
// the router tolerates the duplicates.
type Bus struct {
	rdb    *redis.Client
	broker domain.Broker
	router Routes
}

// NewBus wires the inbound translation layer.
func NewBus(rdb *redis.Client, broker domain.Broker, router Routes) *Bus {
	return &Bus{rdb: rdb, broker: broker, router: router}
}

// Run consumes both subscriptions until the context is cancelled,
// resubscribing with exponential backoff after connection loss.
func (b *Bus) Run(ctx context.Context) {
	go b.consumeLoop(ctx, "keyspace", b.consumeKeyspace)
	b.consumeLoop(ctx, "channels", b.consumeChannels)
}

func (b *Bus) consumeLoop(ctx context.Context, name string, consume func(context.Context, func()) error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	for {
		// A confirmed subscription resets the backoff, so a drop after a
		// long healthy run reconnects promptly instead of waiting out
		// intervals accumulated over the process lifetime.
		if err := consume(ctx, bo.Reset); err != nil {
			slog.Warn("event bus subscription lost", slog.String("loop", name), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (b *Bus) consumeChannels(ctx context.Context, subscribed func()) error {
	sub := b.rdb.Subscribe(ctx, ChannelJobProgress, ChannelWorkerStatus, ChannelCompleteJob, ChannelMachineStartup)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("op=bus.consumeChannels subscribe: %w", err)
	}
	subscribed()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return fmt.Errorf("op=bus.consumeChannels: channel closed")
			}
			b.handleChannel(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (b *Bus) handleChannel(ctx context.Context, channel, payload string) {
	// Workers report timestamps as epoch millis, epoch strings, or ISO
	// 8601; the shadowing field catches whatever shape arrived.
	var frame struct {
		domain.Event
		Timestamp any `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		slog.Warn("undecodable backend message", slog.String("channel", channel), slog.Any("error", err))
		return
	}
	ev := frame.Event
	if ms, err := domain.ParseTimestamp(frame.Timestamp); err == nil {
		ev.Timestamp = ms
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = domain.NowMS()
	}

	switch channel {
	case ChannelJobProgress:
		ev.Type = domain.EventJobProgress
		if ev.JobID != "" {
			// First progress report moves an assigned job to in_progress.
			if err := b.broker.Start(ctx, ev.JobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				slog.Warn("progress transition failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
			}
		}
		b.router.Route(ev)

	case ChannelWorkerStatus:
		ev.Type = domain.EventWorkerStatusChanged
		b.router.Route(ev)

	case ChannelCompleteJob:
		if ev.Error != "" {
			// Failure report. The Broker records it and publishes the
			// job_failed event that carries the fanout.
			if err := b.broker.Fail(ctx, ev.JobID, ev.Error, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
				slog.Warn("failure transition failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
			}
			return
		}
		ev.Type = domain.EventJobCompleted
		if ev.JobID != "" {
			if err := b.broker.Complete(ctx, ev.JobID, ev.Result); err != nil && !errors.Is(err, domain.ErrNotFound) {
				slog.Warn("complete transition failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
			}
		}
		b.router.Route(ev)

	case ChannelMachineStartup:
		switch ev.Type {
		case domain.EventMachineStartup, domain.EventMachineStartupStep, domain.EventMachineStartupComplete:
		default:
			ev.Type = domain.EventMachineStartup
		}
		b.router.Route(ev)
	}
}

func (b *Bus) consumeKeyspace(ctx context.Context, subscribed func()) error {
	sub := b.rdb.PSubscribe(ctx, "__keyspace@*__:job:*", "__keyspace@*__:worker:*")
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("op=bus.consumeKeyspace subscribe: %w", err)
	}
	subscribed()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return fmt.Errorf("op=bus.consumeKeyspace: channel closed")
			}
			b.handleKeyspace(ctx, msg.Channel, msg.Payload)
		}
	}
}

// handleKeyspace translates a keyspace notification (channel names the
// key, payload names the operation) into the redundant domain signal.
func (b *Bus) handleKeyspace(ctx context.Context, channel, op string) {
	key, ok := keyspaceKey(channel)
	if !ok {
		return
	}
	switch {
	case strings.HasPrefix(key, "worker:") && strings.HasSuffix(key, ":heartbeat"):
		if op != "expired" {
			return
		}
		workerID := strings.TrimSuffix(strings.TrimPrefix(key, "worker:"), ":heartbeat")
		b.router.Route(domain.Event{
			Type:      domain.EventWorkerStatusChanged,
			WorkerID:  workerID,
			NewStatus: string(domain.WorkerOffline),
			Message:   "heartbeat expired",
		})

	case strings.HasPrefix(key, "worker:"):
		if op != "hset" {
			return
		}
		b.router.Route(domain.Event{
			Type:     domain.EventWorkerStatusChanged,
			WorkerID: strings.TrimPrefix(key, "worker:"),
		})

	case strings.HasPrefix(key, "job:"):
		if op != "hset" {
			return
		}
		jobID := strings.TrimPrefix(key, "job:")
		j, err := b.broker.Get(ctx, jobID)
		if err != nil {
			return
		}
		b.router.Route(domain.Event{
			Type:      domain.EventJobStatusChanged,
			JobID:     jobID,
			WorkerID:  j.WorkerID,
			Status:    j.Status,
			NewStatus: string(j.Status),
		})
	}
}

// keyspaceKey extracts the mutated key from a "__keyspace@<db>__:<key>"
// channel name.
func keyspaceKey(channel string) (string, bool) {
	const marker = "__:"
	if !strings.HasPrefix(channel, "__keyspace@") {
		return "", false
	}
	i := strings.Index(channel, marker)
	if i < 0 {
		return "", false
	}
	return channel[i+len(marker):], true
}
