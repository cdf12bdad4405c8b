package gems

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gem-registry/gem-registry/internal/auth"
	"github.com/gem-registry/gem-registry/internal/cache"
	"github.com/gem-registry/gem-registry/internal/db/models"
	"github.com/gem-registry/gem-registry/internal/db/repositories"
	"github.com/gem-registry/gem-registry/internal/storage"
	"github.com/gem-registry/gem-registry/internal/telemetry"
	"github.com/gem-registry/gem-registry/internal/validation"
	"github.com/gem-registry/gem-registry/pkg/checksum"
)

// Authorizer resolves a presented credential and checks one permission.
// Implemented by auth.Registry.
type Authorizer interface {
	Check(ctx context.Context, credential, permission string) error
}

// Lifecycle drives the push/yank/unyank state machine. Versions are never
// destroyed; yank and unyank toggle the indexed flag in the catalog and
// mirror it into the stored version's properties.
//
// Every mutation is ordered: authorization, one catalog transaction, then
// the storage write, then cache and specs-index invalidation strictly after
// commit.
type Lifecycle struct {
	repo  *repositories.GemRepository
	authz Authorizer
	store *storage.Store
	cache cache.Cache
	specs *SpecsIndex
}

// NewLifecycle creates a lifecycle manager. store is the storage root; gem
// content lives under its private/gems namespace.
func NewLifecycle(repo *repositories.GemRepository, authz Authorizer, store *storage.Store, c cache.Cache, specs *SpecsIndex) *Lifecycle {
	return &Lifecycle{repo: repo, authz: authz, store: store, cache: c, specs: specs}
}

// Push parses and records a new gem version. The version row and its
// dependency rows commit in one transaction; a racing duplicate push loses
// on the unique constraint and reports ErrExistingVersion. Pushing over a
// yanked version is rejected until the version is unyanked.
func (l *Lifecycle) Push(ctx context.Context, credential string, gemBytes []byte) (err error) {
	defer func() { recordLifecycle("push", err) }()

	if err := l.authz.Check(ctx, credential, auth.PermissionPush); err != nil {
		return err
	}

	if err := validation.ValidateArchive(gemBytes, 0); err != nil {
		return fmt.Errorf("rejected gem archive: %w", err)
	}

	manifest, specYAML, err := ParseGem(gemBytes)
	if err != nil {
		return fmt.Errorf("failed to parse pushed gem: %w", err)
	}

	if err := validation.ValidateGemName(manifest.Name); err != nil {
		return fmt.Errorf("rejected gem archive: %w", err)
	}
	if err := validation.ValidateVersionNumber(manifest.Number); err != nil {
		return fmt.Errorf("rejected gem archive: %w", err)
	}

	shaHex, err := checksum.CalculateSHA256(bytes.NewReader(gemBytes))
	if err != nil {
		return fmt.Errorf("failed to hash gem archive: %w", err)
	}

	version, err := l.insertVersion(ctx, manifest, shaHex)
	if err != nil {
		return err
	}

	saveErr := l.store.For("private", "gems").Resource(version.StorageID).Save(
		map[string][]byte{"gem": gemBytes, "spec": specYAML},
		map[string]string{"indexed": "true", "sha256": shaHex},
	)

	// Invalidate even when the storage write failed: the catalog commit is
	// already visible and stale cache entries would hide it
	l.invalidate(ctx, manifest.Name)

	if saveErr != nil {
		// Committed to the catalog but not stored; the operator retries the
		// push after yank+unyank or clears the row by hand
		return fmt.Errorf("version %s committed but storage write failed: %w", version.FullName, saveErr)
	}

	slog.Info("gem pushed", "gem", manifest.Name, "version", manifest.Number, "platform", manifest.Platform)
	return nil
}

func (l *Lifecycle) insertVersion(ctx context.Context, manifest *Manifest, shaHex string) (*models.Version, error) {
	tx, err := l.repo.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	gem, err := l.repo.FindOrCreateRubygem(ctx, tx, manifest.Name)
	if err != nil {
		return nil, err
	}

	existing, err := l.repo.GetVersion(ctx, tx, gem.ID, manifest.Number, manifest.Platform)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Indexed {
			return nil, ErrExistingVersion
		}
		return nil, ErrYankedVersion
	}

	fullName := manifest.FullName()
	version := &models.Version{
		RubygemID:  gem.ID,
		Number:     manifest.Number,
		Platform:   manifest.Platform,
		FullName:   fullName,
		StorageID:  fullName,
		Indexed:    true,
		Prerelease: manifest.Prerelease,
		SHA256:     &shaHex,
	}
	if err := l.repo.CreateVersion(ctx, tx, version); err != nil {
		if repositories.IsUniqueViolation(err) {
			return nil, ErrExistingVersion
		}
		return nil, fmt.Errorf("failed to create version: %w", err)
	}

	deps := make([]models.Dependency, 0, len(manifest.Dependencies))
	for _, d := range manifest.Dependencies {
		deps = append(deps, models.Dependency{RubygemName: d.Name, Requirements: d.Requirements})
	}
	if err := l.repo.CreateDependencies(ctx, tx, version.ID, deps); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit push: %w", err)
	}
	return version, nil
}

// Yank removes a version from the index without destroying it
func (l *Lifecycle) Yank(ctx context.Context, credential, name, specifier string) (err error) {
	defer func() { recordLifecycle("yank", err) }()
	return l.setIndexed(ctx, credential, auth.PermissionYank, name, specifier, false)
}

// Unyank restores a previously yanked version to the index
func (l *Lifecycle) Unyank(ctx context.Context, credential, name, specifier string) (err error) {
	defer func() { recordLifecycle("unyank", err) }()
	return l.setIndexed(ctx, credential, auth.PermissionUnyank, name, specifier, true)
}

func (l *Lifecycle) setIndexed(ctx context.Context, credential, permission, name, specifier string, indexed bool) error {
	if err := l.authz.Check(ctx, credential, permission); err != nil {
		return err
	}

	tx, err := l.repo.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	gem, err := l.repo.GetRubygemByName(ctx, tx, name)
	if err != nil {
		return err
	}
	if gem == nil {
		return ErrUnknownGem
	}

	version, err := l.findBySpecifier(ctx, tx, gem, specifier)
	if err != nil {
		return err
	}
	if version.Indexed == indexed {
		if indexed {
			return ErrNotYanked
		}
		return ErrYankedVersion
	}

	if err := l.repo.SetIndexed(ctx, tx, version.ID, indexed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index change: %w", err)
	}

	updateErr := l.store.For("private", "gems").Resource(version.StorageID).
		UpdateProperties(map[string]string{"indexed": strconv.FormatBool(indexed)})

	l.invalidate(ctx, name)

	if updateErr != nil && !errors.Is(updateErr, storage.ErrNotFound) {
		return fmt.Errorf("index change committed but storage update failed: %w", updateErr)
	}

	slog.Info("gem index changed", "gem", name, "version", version.FullName, "indexed", indexed)
	return nil
}

// findBySpecifier resolves a version specifier like "1.2.0" or "1.2.0-java"
// against the gem's versions. The exact full name is tried first, then the
// specifier with an implied default-platform suffix, tolerating clients that
// omit "-ruby". No further platform matching is attempted.
func (l *Lifecycle) findBySpecifier(ctx context.Context, q repositories.Querier, gem *models.Rubygem, specifier string) (*models.Version, error) {
	for _, fullName := range []string{
		gem.Name + "-" + specifier,
		gem.Name + "-" + specifier + "-" + DefaultPlatform,
	} {
		version, err := l.repo.GetVersionByFullName(ctx, q, fullName)
		if err != nil {
			return nil, err
		}
		// Full names are globally unique; the owner check guards against a
		// specifier spelling out another gem's name prefix
		if version != nil && version.RubygemID == gem.ID {
			return version, nil
		}
	}
	return nil, ErrUnknownVersion
}

// invalidate drops the gem's private-scope dependency entry and both
// specs-collection artifacts. Runs strictly after commit.
func (l *Lifecycle) invalidate(ctx context.Context, name string) {
	if err := l.cache.Delete(ctx, cache.DepsKey(PrivateScope().Key, name)); err != nil {
		slog.Warn("failed to invalidate dependency cache entry", "gem", name, "error", err)
	}
	if err := l.specs.Invalidate(ctx); err != nil {
		slog.Warn("failed to invalidate specs index", "error", err)
	}
}

func recordLifecycle(operation string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnauthorized):
		outcome = "denied"
	case errors.Is(err, ErrExistingVersion),
		errors.Is(err, ErrYankedVersion),
		errors.Is(err, ErrUnknownGem),
		errors.Is(err, ErrUnknownVersion),
		errors.Is(err, ErrNotYanked):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	telemetry.LifecycleOperations.WithLabelValues(operation, outcome).Inc()
}
