package redisrepo

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *captureSink) Publish(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) ofType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestBroker(t *testing.T) (*Broker, *captureSink, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sink := &captureSink{}
	return NewBroker(rdb, sink, BrokerOptions{}), sink, mr, rdb
}

func testCaps(workerID string, services ...string) domain.Capabilities {
	if len(services) == 0 {
		services = []string{"comfyui"}
	}
	return domain.Capabilities{
		WorkerID: workerID,
		Services: services,
		Hardware: domain.HardwareSpecs{GPUCount: 1, GPUMemoryGB: 24, CPUCores: 8, RAMGB: 32},
	}
}
