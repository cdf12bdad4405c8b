package gems

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	goversion "github.com/hashicorp/go-version"

	"github.com/gem-registry/gem-registry/internal/db/repositories"
	"github.com/gem-registry/gem-registry/internal/storage"
)

// Specs artifact names, also the resource ids under private/specs_collection
const (
	SpecsArtifact           = "specs.json.gz"
	PrereleaseSpecsArtifact = "prerelease_specs.json.gz"
)

const specsAspect = "specs"

// SpecsCatalog is the slice of the gem repository the specs builder reads
type SpecsCatalog interface {
	IndexedVersions(ctx context.Context, prerelease bool) ([]repositories.SpecEntry, error)
}

// SpecsIndex builds and caches the two specs-collection artifacts: the
// gzip-compressed JSON list of [name, number, platform] triples for the
// release and prerelease halves of the indexed catalog. Built artifacts are
// stored until a lifecycle mutation deletes them.
type SpecsIndex struct {
	catalog SpecsCatalog
	store   *storage.Store
}

// NewSpecsIndex creates a specs index builder. store is the storage root.
func NewSpecsIndex(catalog SpecsCatalog, store *storage.Store) *SpecsIndex {
	return &SpecsIndex{catalog: catalog, store: store.For("private", "specs_collection")}
}

// Get returns the requested artifact, serving the stored copy when present
// and rebuilding from the catalog otherwise. An artifact that reports as
// existing but fails to load (deleted mid-read) is a miss, not an error.
func (s *SpecsIndex) Get(ctx context.Context, prerelease bool) ([]byte, error) {
	name := SpecsArtifact
	if prerelease {
		name = PrereleaseSpecsArtifact
	}

	res := s.store.Resource(name)
	exists, err := res.Exists(specsAspect)
	if err != nil {
		return nil, fmt.Errorf("failed to check specs artifact: %w", err)
	}
	if exists {
		data, err := res.Content(specsAspect)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCorrupt) {
			return nil, fmt.Errorf("failed to load specs artifact: %w", err)
		}
		slog.Debug("specs artifact vanished mid-read, rebuilding", "artifact", name)
	}

	return s.rebuild(ctx, name, prerelease)
}

// Invalidate deletes both stored artifacts so the next request rebuilds
func (s *SpecsIndex) Invalidate(ctx context.Context) error {
	var firstErr error
	for _, name := range []string{SpecsArtifact, PrereleaseSpecsArtifact} {
		if err := s.store.Resource(name).Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *SpecsIndex) rebuild(ctx context.Context, name string, prerelease bool) ([]byte, error) {
	entries, err := s.catalog.IndexedVersions(ctx, prerelease)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed versions: %w", err)
	}
	sortEntries(entries)

	triples := make([][3]string, 0, len(entries))
	for _, e := range entries {
		triples = append(triples, [3]string{e.Name, e.Number, e.Platform})
	}

	payload, err := json.Marshal(triples)
	if err != nil {
		return nil, fmt.Errorf("failed to encode specs list: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress specs list: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress specs list: %w", err)
	}
	data := buf.Bytes()

	// A failed store still serves this build; the next request rebuilds
	if err := s.store.Resource(name).Save(
		map[string][]byte{specsAspect: data},
		map[string]string{"entries": strconv.Itoa(len(triples))},
	); err != nil {
		slog.Warn("failed to store specs artifact", "artifact", name, "error", err)
	}

	return data, nil
}

// sortEntries orders by gem name, then version (semantic where parseable,
// lexicographic otherwise), then platform
func sortEntries(entries []repositories.SpecEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Number != b.Number {
			av, aerr := goversion.NewVersion(a.Number)
			bv, berr := goversion.NewVersion(b.Number)
			if aerr == nil && berr == nil {
				return av.LessThan(bv)
			}
			return a.Number < b.Number
		}
		return a.Platform < b.Platform
	})
}
