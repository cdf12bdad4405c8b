// upstream_repository.go implements UpstreamRepository, recording external
// registries the first time a request references them.
package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gem-registry/gem-registry/internal/db/models"
)

// UpstreamRepository handles database operations for upstream registrations
type UpstreamRepository struct {
	db *sqlx.DB
}

// NewUpstreamRepository creates a new upstream repository
func NewUpstreamRepository(db *sqlx.DB) *UpstreamRepository {
	return &UpstreamRepository{db: db}
}

// FindOrCreate returns the upstream row for uri, inserting it lazily on
// first reference. The host id is derived from the URI and stable, so a
// concurrent first reference resolves to the same row.
func (r *UpstreamRepository) FindOrCreate(ctx context.Context, uri string) (*models.Upstream, error) {
	query := `
		INSERT INTO upstreams (uri, host_id)
		VALUES ($1, $2)
		ON CONFLICT (uri) DO UPDATE SET uri = EXCLUDED.uri
		RETURNING id, uri, host_id, created_at
	`

	var up models.Upstream
	if err := r.db.GetContext(ctx, &up, query, uri, models.HostIDFor(uri)); err != nil {
		return nil, fmt.Errorf("failed to find or create upstream: %w", err)
	}

	return &up, nil
}

// List returns all recorded upstreams
func (r *UpstreamRepository) List(ctx context.Context) ([]models.Upstream, error) {
	query := `SELECT id, uri, host_id, created_at FROM upstreams ORDER BY id`

	var ups []models.Upstream
	if err := r.db.SelectContext(ctx, &ups, query); err != nil {
		return nil, fmt.Errorf("failed to list upstreams: %w", err)
	}

	return ups, nil
}
