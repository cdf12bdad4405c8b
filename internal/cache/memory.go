// memory.go implements the bounded in-process cache backend on an expirable
// LRU. Suitable for single-process deployments; entries are not visible to
// other registry instances.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process Cache bounded by entry count. When full, the
// least-recently-used entry is evicted; independent of that, every entry
// expires DefaultTTL after it was written.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemory creates a memory cache holding at most maxEntries entries.
//
// The expirable LRU applies one TTL to the whole cache, so the per-call TTL
// passed to Set is not honored here; every caller in this codebase uses
// DefaultTTL, which is what the backend is built with.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		lru: expirable.NewLRU[string, []byte](maxEntries, nil, DefaultTTL),
	}
}

// Get returns the value for key if present and unexpired
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.lru.Add(key, value)
	return nil
}

// Delete removes key
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// GetMulti returns the present subset of keys
func (m *Memory) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	hits := make(map[string][]byte)
	for _, key := range keys {
		if value, ok := m.lru.Get(key); ok {
			hits[key] = value
		}
	}
	return hits, nil
}
