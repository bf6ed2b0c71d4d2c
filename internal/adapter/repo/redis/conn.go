// Package redisrepo implements the store ports on Redis: the job broker,
// the worker registry, workflow metadata, and the paged snapshot reads.
// Redis is the single source of truth; only this package writes job and
// worker keys.
package redisrepo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to the store from a redis:// URL and verifies the
// connection with a ping.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redis.NewClient: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=redis.NewClient ping: %w", err)
	}
	return rdb, nil
}

// EnableKeyspaceNotifications turns on keyspace events for hash and
// string mutations plus expirations, the redundant signal the event bus
// listens on. Best-effort: managed Redis deployments may reject CONFIG.
func EnableKeyspaceNotifications(ctx context.Context, rdb *redis.Client) {
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Kgh$x").Err(); err != nil {
		slog.Warn("keyspace notifications unavailable", slog.Any("error", err))
	}
}
