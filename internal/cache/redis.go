package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conduitllm/conduit/providers"
)

const redisKeyPrefix = "conduit:response:"

// Redis caches responses in a shared Redis, letting multiple gateway
// instances serve each other's hits. Backend errors degrade to misses.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedis connects to the given connection string
// (redis://host:port/db).
func NewRedis(connString string, ttl time.Duration, log *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: redis.NewClient(opts), ttl: ttl, log: log}, nil
}

// Get fetches and decodes a cached response.
func (r *Redis) Get(ctx context.Context, key string) (*providers.Response, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.log.Warn("redis cache read failed", "error", err)
		return nil, false
	}
	var resp providers.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		r.log.Warn("redis cache entry corrupt, dropping", "error", err)
		r.client.Del(ctx, redisKeyPrefix+key)
		return nil, false
	}
	return &resp, true
}

// Set stores a response with the configured TTL.
func (r *Redis) Set(ctx context.Context, key string, resp *providers.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		r.log.Warn("response not cacheable", "error", err)
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, raw, r.ttl).Err(); err != nil {
		r.log.Warn("redis cache write failed", "error", err)
	}
}

// Delete removes an entry.
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		r.log.Warn("redis cache delete failed", "error", err)
	}
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }
