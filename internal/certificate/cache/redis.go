package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the cache across dashboard instances. Transport failures
// degrade to a cache miss so the Store contract of never failing holds; the
// ledger remains the source of truth either way.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// NewRedisStore wraps an existing client. keyPrefix isolates this dashboard's
// keys from other users of the same Redis.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, logger: logger}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.WarnContext(ctx, "redis get failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return raw, true
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis set failed", "key", key, "error", err)
	}
}

func (r *RedisStore) Invalidate(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis del failed", "key", key, "error", err)
	}
}

func (r *RedisStore) InvalidateByPrefix(ctx context.Context, prefix string) {
	match := r.keyPrefix + prefix + "*"
	iter := r.client.Scan(ctx, 0, match, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.WarnContext(ctx, "redis scan failed", "prefix", prefix, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis del failed", "prefix", prefix, "error", err)
	}
}

var _ Store = (*RedisStore)(nil)
