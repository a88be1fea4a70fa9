// Package cache provides a Redis-backed query answer cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

// DefaultTTL is the default answer cache lifetime.
const DefaultTTL = time.Hour

// QueryCache caches completed query answers keyed by question and filters.
// Streaming and agent responses bypass it.
type QueryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a query cache on the given Redis address.
func New(addr, password string, db int, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &QueryCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

// Close closes the Redis connection.
func (c *QueryCache) Close() error {
	return c.client.Close()
}

// Ping verifies connectivity.
func (c *QueryCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Key derives a stable cache key from a question and its metadata filters.
func Key(question string, filters map[string]string) string {
	h := sha256.New()
	h.Write([]byte(question))

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(filters[k]))
	}
	return "docai:query:" + hex.EncodeToString(h.Sum(nil))
}

// Get loads a cached value into dest.
func (c *QueryCache) Get(ctx context.Context, key string, dest any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("failed to get cache entry: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return nil
}

// Set stores a value under key with the configured TTL.
func (c *QueryCache) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}
