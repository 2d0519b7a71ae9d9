// Package idempotency implements the idempotency cache: a Redis-backed
// SetNX guard that lets Process callers dedupe retried requests
// carrying the same idempotency key within a TTL window.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corewell/genforge/internal/observability"
)

const keyPrefix = "genforge:idempotency:"

// Cache dedupes process() calls sharing an idempotency key.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Cache against a Redis instance. ttl <= 0 defaults to 10
// minutes, long enough to cover a client's retry window.
func New(addr, password string, db int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

// Ping verifies connectivity at startup.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Record is what a cache entry stores: enough to replay a previous
// response without re-running the job.
type Record struct {
	State    string `json:"state"`
	Address  string `json:"address,omitempty"`
	Artifact string `json:"artifact,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Reserve attempts to claim key for a new, in-flight request. It
// returns ok=true if this caller won the race and must perform the
// work; ok=false with the existing Record if another caller already
// owns (or has already completed) this key.
func (c *Cache) Reserve(ctx context.Context, key string) (ok bool, existing *Record, err error) {
	placeholder, err := json.Marshal(Record{State: "in_progress"})
	if err != nil {
		return false, nil, err
	}

	won, err := c.client.SetNX(ctx, keyPrefix+key, placeholder, c.ttl).Result()
	if err != nil {
		observability.IdempotencyHits.WithLabelValues("error").Inc()
		return false, nil, err
	}
	if won {
		observability.IdempotencyHits.WithLabelValues("miss").Inc()
		return true, nil, nil
	}

	observability.IdempotencyHits.WithLabelValues("hit").Inc()
	raw, err := c.client.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, nil, err
	}
	return false, &rec, nil
}

// Complete overwrites key's record with the final outcome, preserving
// the original TTL window so a retry shortly after completion replays
// the cached result instead of re-running the job.
func (c *Cache) Complete(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err()
}
