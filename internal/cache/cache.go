// Package cache defines the keyed byte cache used for dependency metadata and
// authorization lookups, with a bounded in-process backend and a shared redis
// backend.
//
// The cache is purely derived state: every entry must be recomputable from
// the catalog or an upstream, and callers treat any backend error as a miss
// rather than failing the request.
//
// Key namespaces:
//
//	deps/v1/{scope}/{gem}   dependency metadata per scope ("private" or "upstream/{url}")
//	auths/{key}             authorization key permission sets
package cache

import (
	"context"
	"time"
)

// DefaultTTL is the fixed expiry applied to every entry. TTL is absolute
// from write time; access does not extend it.
const DefaultTTL = 30 * time.Minute

// Cache is a keyed byte store with TTL expiry
type Cache interface {
	// Get returns the value for key and whether it was present
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// GetMulti returns the present subset of keys and their values
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
}

// DepsKey builds the cache key for a gem's dependency metadata within a scope
func DepsKey(scope, gem string) string {
	return "deps/v1/" + scope + "/" + gem
}

// AuthKey builds the cache key for a credential's permission set
func AuthKey(key string) string {
	return "auths/" + key
}
