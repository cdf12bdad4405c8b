// redis.go implements the shared cache backend on a redis server, giving all
// registry processes a consistent view of dependency and authorization
// entries.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by a shared redis server
type Redis struct {
	client *redis.Client
}

// NewRedis creates a redis cache backend and verifies connectivity
func NewRedis(ctx context.Context, address, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", address, err)
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client, shared with e.g. the rate limiter
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client exposes the underlying connection for collaborators that need the
// raw client (the push rate limiter).
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Get returns the value for key if present
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key with the given TTL
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// GetMulti returns the present subset of keys via one MGET round trip
func (r *Redis) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	hits := make(map[string][]byte)
	for i, raw := range values {
		if raw == nil {
			continue
		}
		// go-redis returns MGET elements as strings
		if s, ok := raw.(string); ok {
			hits[keys[i]] = []byte(s)
		}
	}
	return hits, nil
}

// Close releases the redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}
