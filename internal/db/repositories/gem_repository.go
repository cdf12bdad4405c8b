// gem_repository.go implements GemRepository, providing catalog queries for
// rubygems, versions, and their recorded dependencies. Lifecycle mutations
// run against a caller-supplied transaction via the Querier parameter so
// push/yank/unyank stay all-or-nothing.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/gem-registry/gem-registry/internal/db/models"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Mutating repository
// methods take a Querier so lifecycle operations can scope them to one
// transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// GemRepository handles database operations for the private gem catalog
type GemRepository struct {
	db *sql.DB
}

// NewGemRepository creates a new gem repository
func NewGemRepository(db *sql.DB) *GemRepository {
	return &GemRepository{db: db}
}

// DB returns the underlying handle for starting transactions
func (r *GemRepository) DB() *sql.DB {
	return r.db
}

// IsUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation. Racing duplicate pushes surface here rather than as a second
// successful insert.
func IsUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	return pqErr.Code == "23505"
}

// FindOrCreateRubygem returns the gem row for name, inserting it if absent.
// The upsert is atomic so two concurrent first pushes of the same gem name
// both resolve to the same row.
func (r *GemRepository) FindOrCreateRubygem(ctx context.Context, q Querier, name string) (*models.Rubygem, error) {
	query := `
		INSERT INTO rubygems (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`

	gem := &models.Rubygem{}
	err := q.QueryRowContext(ctx, query, name).Scan(&gem.ID, &gem.Name, &gem.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create rubygem: %w", err)
	}

	return gem, nil
}

// GetRubygemByName retrieves a gem row by its exact (case-sensitive) name
func (r *GemRepository) GetRubygemByName(ctx context.Context, q Querier, name string) (*models.Rubygem, error) {
	query := `SELECT id, name, created_at FROM rubygems WHERE name = $1`

	gem := &models.Rubygem{}
	err := q.QueryRowContext(ctx, query, name).Scan(&gem.ID, &gem.Name, &gem.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get rubygem: %w", err)
	}

	return gem, nil
}

// GetVersion retrieves a version row by gem id, number, and platform
func (r *GemRepository) GetVersion(ctx context.Context, q Querier, rubygemID int64, number, platform string) (*models.Version, error) {
	query := `
		SELECT id, rubygem_id, number, platform, full_name, storage_id, indexed, prerelease, sha256, created_at
		FROM versions
		WHERE rubygem_id = $1 AND number = $2 AND platform = $3
	`

	v := &models.Version{}
	err := q.QueryRowContext(ctx, query, rubygemID, number, platform).Scan(
		&v.ID,
		&v.RubygemID,
		&v.Number,
		&v.Platform,
		&v.FullName,
		&v.StorageID,
		&v.Indexed,
		&v.Prerelease,
		&v.SHA256,
		&v.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	return v, nil
}

// GetVersionByFullName retrieves a version row by its globally unique full
// name, e.g. "rack-3.0.0" or "nokogiri-1.15.0-java"
func (r *GemRepository) GetVersionByFullName(ctx context.Context, q Querier, fullName string) (*models.Version, error) {
	query := `
		SELECT id, rubygem_id, number, platform, full_name, storage_id, indexed, prerelease, sha256, created_at
		FROM versions
		WHERE full_name = $1
	`

	v := &models.Version{}
	err := q.QueryRowContext(ctx, query, fullName).Scan(
		&v.ID,
		&v.RubygemID,
		&v.Number,
		&v.Platform,
		&v.FullName,
		&v.StorageID,
		&v.Indexed,
		&v.Prerelease,
		&v.SHA256,
		&v.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get version by full name: %w", err)
	}

	return v, nil
}

// CreateVersion inserts a new version row. A unique-constraint error from a
// racing duplicate push is returned unwrapped so callers can detect it with
// IsUniqueViolation.
func (r *GemRepository) CreateVersion(ctx context.Context, q Querier, v *models.Version) error {
	query := `
		INSERT INTO versions (rubygem_id, number, platform, full_name, storage_id, indexed, prerelease, sha256)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := q.QueryRowContext(ctx, query,
		v.RubygemID,
		v.Number,
		v.Platform,
		v.FullName,
		v.StorageID,
		v.Indexed,
		v.Prerelease,
		v.SHA256,
	).Scan(&v.ID, &v.CreatedAt)

	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to create version: %w", err)
	}

	return nil
}

// CreateDependencies inserts the dependency rows recorded for a version
func (r *GemRepository) CreateDependencies(ctx context.Context, q Querier, versionID int64, deps []models.Dependency) error {
	query := `
		INSERT INTO dependencies (version_id, rubygem_name, requirements)
		VALUES ($1, $2, $3)
	`

	for _, dep := range deps {
		if _, err := q.ExecContext(ctx, query, versionID, dep.RubygemName, dep.Requirements); err != nil {
			return fmt.Errorf("failed to create dependency on %s: %w", dep.RubygemName, err)
		}
	}

	return nil
}

// SetIndexed toggles a version's visibility (yank/unyank)
func (r *GemRepository) SetIndexed(ctx context.Context, q Querier, versionID int64, indexed bool) error {
	query := `UPDATE versions SET indexed = $2 WHERE id = $1`

	result, err := q.ExecContext(ctx, query, versionID, indexed)
	if err != nil {
		return fmt.Errorf("failed to update version indexed flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("version not found")
	}

	return nil
}

// DependencyRow is one indexed version of a requested gem together with one
// of its recorded requirements, as returned by DependenciesByNames.
type DependencyRow struct {
	GemName      string
	Number       string
	Platform     string
	DepName      sql.NullString
	Requirements sql.NullString
}

// DependenciesByNames returns every indexed version of the requested gems
// joined with its dependency rows. Gems with no indexed versions simply
// produce no rows; callers distinguish "gem unknown" from "gem has no
// versions" the same way (empty result), matching negative caching.
func (r *GemRepository) DependenciesByNames(ctx context.Context, names []string) ([]DependencyRow, error) {
	query := `
		SELECT r.name, v.number, v.platform, d.rubygem_name, d.requirements
		FROM rubygems r
		JOIN versions v ON v.rubygem_id = r.id AND v.indexed
		LEFT JOIN dependencies d ON d.version_id = v.id
		WHERE r.name = ANY($1)
		ORDER BY r.name, v.id, d.id
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var result []DependencyRow
	for rows.Next() {
		var row DependencyRow
		if err := rows.Scan(&row.GemName, &row.Number, &row.Platform, &row.DepName, &row.Requirements); err != nil {
			return nil, fmt.Errorf("failed to scan dependency row: %w", err)
		}
		result = append(result, row)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependency rows: %w", err)
	}

	return result, nil
}

// SpecEntry is one (gem, number, platform) triple for the specs-collection index
type SpecEntry struct {
	Name     string
	Number   string
	Platform string
}

// IndexedVersions lists all indexed versions filtered by the prerelease flag,
// for building the specs-collection artifacts.
func (r *GemRepository) IndexedVersions(ctx context.Context, prerelease bool) ([]SpecEntry, error) {
	query := `
		SELECT r.name, v.number, v.platform
		FROM versions v
		JOIN rubygems r ON r.id = v.rubygem_id
		WHERE v.indexed AND v.prerelease = $1
		ORDER BY r.name, v.id
	`

	rows, err := r.db.QueryContext(ctx, query, prerelease)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexed versions: %w", err)
	}
	defer rows.Close()

	var entries []SpecEntry
	for rows.Next() {
		var e SpecEntry
		if err := rows.Scan(&e.Name, &e.Number, &e.Platform); err != nil {
			return nil, fmt.Errorf("failed to scan spec entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spec entries: %w", err)
	}

	return entries, nil
}
