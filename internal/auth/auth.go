// Package auth implements the permissioned key gate for registry
// operations: key generation, the permission model, and cached credential
// resolution.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gem-registry/gem-registry/internal/cache"
	"github.com/gem-registry/gem-registry/internal/db/models"
	"github.com/gem-registry/gem-registry/internal/db/repositories"
)

// ErrUnauthorized covers every authorization failure: missing credential,
// unknown credential, or a permission the key does not carry. Callers do not
// learn which, by design of the response surface.
var ErrUnauthorized = errors.New("unauthorized")

// Permission names. A key carries either the all permission or a
// comma-joined subset of the specific ones.
const (
	PermissionAll    = "all"
	PermissionPush   = "push"
	PermissionYank   = "yank"
	PermissionUnyank = "unyank"
	PermissionFetch  = "fetch"
)

var knownPermissions = map[string]bool{
	PermissionAll:    true,
	PermissionPush:   true,
	PermissionYank:   true,
	PermissionUnyank: true,
	PermissionFetch:  true,
}

// ValidatePermissions checks a comma-joined permission list for unknown names
func ValidatePermissions(permissions string) error {
	if permissions == "" {
		return fmt.Errorf("permission list must not be empty")
	}
	for _, p := range strings.Split(permissions, ",") {
		if !knownPermissions[strings.TrimSpace(p)] {
			return fmt.Errorf("unknown permission %q", strings.TrimSpace(p))
		}
	}
	return nil
}

// HasPermission reports whether a key's permission list grants the requested
// permission
func HasPermission(permissions, requested string) bool {
	for _, p := range strings.Split(permissions, ",") {
		p = strings.TrimSpace(p)
		if p == PermissionAll || p == requested {
			return true
		}
	}
	return false
}

// GenerateKey returns a fresh random credential
func GenerateKey() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// Registry resolves presented credentials against the catalog with a cache
// in front. Keys are stored verbatim because the cache entry is addressed by
// the presented key itself.
type Registry struct {
	repo  *repositories.AuthKeyRepository
	cache cache.Cache
}

// NewRegistry creates a credential registry
func NewRegistry(repo *repositories.AuthKeyRepository, c cache.Cache) *Registry {
	return &Registry{repo: repo, cache: c}
}

// Check resolves credential and verifies it grants permission. Cache backend
// failures fall through to the catalog.
func (r *Registry) Check(ctx context.Context, credential, permission string) error {
	if credential == "" {
		return ErrUnauthorized
	}

	permissions, found, err := r.lookupCached(ctx, credential)
	if err != nil {
		slog.Warn("auth cache read failed, falling back to catalog", "error", err)
		found = false
	}

	if !found {
		key, err := r.repo.GetByKey(ctx, credential)
		if err != nil {
			return fmt.Errorf("failed to look up auth key: %w", err)
		}
		if key == nil {
			return ErrUnauthorized
		}
		permissions = key.Permissions

		if err := r.cache.Set(ctx, cache.AuthKey(credential), []byte(permissions), cache.DefaultTTL); err != nil {
			slog.Warn("auth cache write failed", "error", err)
		}
	}

	if !HasPermission(permissions, permission) {
		return ErrUnauthorized
	}
	return nil
}

func (r *Registry) lookupCached(ctx context.Context, credential string) (string, bool, error) {
	raw, found, err := r.cache.Get(ctx, cache.AuthKey(credential))
	if err != nil || !found {
		return "", false, err
	}
	return string(raw), true, nil
}

// Authorize stores or updates a credential with the given permission list
// and drops its cache entry
func (r *Registry) Authorize(ctx context.Context, credential, permissions string) (*models.AuthKey, error) {
	if err := ValidatePermissions(permissions); err != nil {
		return nil, err
	}

	key, err := r.repo.Upsert(ctx, credential, permissions)
	if err != nil {
		return nil, err
	}
	r.dropCached(ctx, credential)
	return key, nil
}

// Remove deletes a credential and drops its cache entry
func (r *Registry) Remove(ctx context.Context, credential string) error {
	if err := r.repo.Delete(ctx, credential); err != nil {
		return err
	}
	r.dropCached(ctx, credential)
	return nil
}

func (r *Registry) dropCached(ctx context.Context, credential string) {
	if err := r.cache.Delete(ctx, cache.AuthKey(credential)); err != nil {
		slog.Warn("failed to invalidate auth cache entry", "error", err)
	}
}
