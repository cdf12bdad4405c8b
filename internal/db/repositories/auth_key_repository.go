// auth_key_repository.go implements AuthKeyRepository, providing database
// queries for registry credentials and their permission sets.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gem-registry/gem-registry/internal/db/models"
)

// AuthKeyRepository handles database operations for authorization keys
type AuthKeyRepository struct {
	db *sqlx.DB
}

// NewAuthKeyRepository creates a new auth key repository
func NewAuthKeyRepository(db *sqlx.DB) *AuthKeyRepository {
	return &AuthKeyRepository{db: db}
}

// GetByKey retrieves a credential by its opaque key value
func (r *AuthKeyRepository) GetByKey(ctx context.Context, key string) (*models.AuthKey, error) {
	query := `
		SELECT id, auth_key, permissions, created_at, updated_at
		FROM auth_keys
		WHERE auth_key = $1
	`

	var ak models.AuthKey
	err := r.db.GetContext(ctx, &ak, query, key)
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth key: %w", err)
	}

	return &ak, nil
}

// Upsert creates a credential or replaces the permission set of an existing one
func (r *AuthKeyRepository) Upsert(ctx context.Context, key, permissions string) (*models.AuthKey, error) {
	query := `
		INSERT INTO auth_keys (auth_key, permissions)
		VALUES ($1, $2)
		ON CONFLICT (auth_key) DO UPDATE SET permissions = EXCLUDED.permissions, updated_at = NOW()
		RETURNING id, auth_key, permissions, created_at, updated_at
	`

	var ak models.AuthKey
	if err := r.db.GetContext(ctx, &ak, query, key, permissions); err != nil {
		return nil, fmt.Errorf("failed to upsert auth key: %w", err)
	}

	return &ak, nil
}

// Delete removes a credential permanently
func (r *AuthKeyRepository) Delete(ctx context.Context, key string) error {
	query := `DELETE FROM auth_keys WHERE auth_key = $1`

	result, err := r.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to delete auth key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("auth key not found")
	}

	return nil
}
