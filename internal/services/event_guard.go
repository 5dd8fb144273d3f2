// internal/services/event_guard.go
package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventGuard keeps two deliveries of the same webhook event from being
// processed at the same time. Deduplication itself lives in the database.
type EventGuard interface {
	Acquire(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type RedisEventGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisEventGuard(client redis.Cmdable, ttl time.Duration) *RedisEventGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisEventGuard{client: client, ttl: ttl}
}

func (g *RedisEventGuard) Acquire(ctx context.Context, eventID string) (bool, error) {
	return g.client.SetNX(ctx, eventLockKey(eventID), "1", g.ttl).Result()
}

func (g *RedisEventGuard) Release(ctx context.Context, eventID string) error {
	return g.client.Del(ctx, eventLockKey(eventID)).Err()
}

func eventLockKey(eventID string) string {
	return "webhook:event:" + eventID
}
