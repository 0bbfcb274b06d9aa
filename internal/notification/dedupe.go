package notification

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper claims event fingerprints with SET NX so concurrent triggers of
// the same logical event inside a rule's dedupe window collapse to one fan-out.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, key, "1", ttl).Result()
}
