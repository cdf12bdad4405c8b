package gems

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gem-registry/gem-registry/internal/cache"
	"github.com/gem-registry/gem-registry/internal/db/repositories"
	"github.com/gem-registry/gem-registry/internal/telemetry"
)

// DependencyInfo is one resolvable version of a gem: identity plus its
// runtime requirements as [name, constraint] pairs. It is both the handler
// payload and the cached JSON shape, and matches the batch dependency
// endpoint served and consumed at /api/v1/dependencies.
type DependencyInfo struct {
	Name         string      `json:"name"`
	Number       string      `json:"number"`
	Platform     string      `json:"platform"`
	Dependencies [][2]string `json:"dependencies"`
}

// Scope names which source a resolution runs against. The private scope is
// backed by the catalog; upstream scopes are backed by that upstream's batch
// dependency endpoint. The Key doubles as the cache key prefix segment.
type Scope struct {
	Key string

	// UpstreamURL is the upstream base URL, empty for the private scope
	UpstreamURL string
}

// PrivateScope resolves against the local catalog
func PrivateScope() Scope {
	return Scope{Key: "private"}
}

// UpstreamScope resolves against the given upstream's dependency endpoint
func UpstreamScope(upstreamURL string) Scope {
	return Scope{Key: "upstream/" + upstreamURL, UpstreamURL: upstreamURL}
}

func (s Scope) private() bool {
	return s.UpstreamURL == ""
}

func (s Scope) metricLabel() string {
	if s.private() {
		return "private"
	}
	return "upstream"
}

// Catalog is the slice of the gem repository the resolver reads
type Catalog interface {
	DependenciesByNames(ctx context.Context, names []string) ([]repositories.DependencyRow, error)
}

// UpstreamGetter issues one GET against an upstream base URL. Implemented by
// upstream.Client.
type UpstreamGetter interface {
	GetBody(ctx context.Context, path string) ([]byte, error)
}

// UpstreamFactory returns a client for an upstream base URL
type UpstreamFactory func(baseURL string) (UpstreamGetter, error)

// Resolver answers dependency queries through the three-tier cascade:
// cache, then catalog (private scope only), then one batched upstream call
// (upstream scopes only). Names unresolved by every applicable tier are
// negatively cached as an empty list.
type Resolver struct {
	cache    cache.Cache
	catalog  Catalog
	upstream UpstreamFactory
}

// NewResolver creates a resolver over the given tiers
func NewResolver(c cache.Cache, catalog Catalog, upstream UpstreamFactory) *Resolver {
	return &Resolver{cache: c, catalog: catalog, upstream: upstream}
}

// Fetch resolves the requested gem names within scope. The result carries
// one entry per known (name, number, platform); names unknown to every tier
// contribute nothing. Result order is unspecified. Cache backend failures
// degrade to misses.
func (r *Resolver) Fetch(ctx context.Context, scope Scope, names []string) ([]DependencyInfo, error) {
	pending := dedupe(names)
	if len(pending) == 0 {
		return []DependencyInfo{}, nil
	}

	results := []DependencyInfo{}

	// Tier 1: cache
	resolved, err := r.fromCache(ctx, scope, pending)
	if err != nil {
		slog.Warn("dependency cache read failed, treating as miss", "scope", scope.Key, "error", err)
	}
	results, pending = collect(results, pending, resolved, scope, "cache")

	// Tier 2: catalog, private scope only
	if len(pending) > 0 && scope.private() {
		resolved, err := r.fromCatalog(ctx, pending)
		if err != nil {
			return nil, err
		}
		r.writeBack(ctx, scope, resolved)
		results, pending = collect(results, pending, resolved, scope, "catalog")
	}

	// Tier 3: one batched upstream call
	if len(pending) > 0 && !scope.private() {
		resolved, err := r.fromUpstream(ctx, scope, pending)
		if err != nil {
			return nil, err
		}
		r.writeBack(ctx, scope, resolved)
		results, pending = collect(results, pending, resolved, scope, "upstream")
	}

	// Negative caching: names no tier knows stay empty until invalidated
	// or expired, so repeat lookups stop at tier 1
	for _, name := range pending {
		r.writeBack(ctx, scope, map[string][]DependencyInfo{name: {}})
	}

	return results, nil
}

// fromCache returns per-name entries found in the cache. An empty cached
// list is a legitimate hit meaning "known to have no versions".
func (r *Resolver) fromCache(ctx context.Context, scope Scope, names []string) (map[string][]DependencyInfo, error) {
	keys := make([]string, len(names))
	keyToName := make(map[string]string, len(names))
	for i, name := range names {
		key := cache.DepsKey(scope.Key, name)
		keys[i] = key
		keyToName[key] = name
	}

	hits, err := r.cache.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	resolved := map[string][]DependencyInfo{}
	for key, raw := range hits {
		infos := []DependencyInfo{}
		if err := json.Unmarshal(raw, &infos); err != nil {
			// Undecodable entry is a miss; it will be overwritten
			slog.Warn("discarding undecodable cache entry", "key", key, "error", err)
			continue
		}
		resolved[keyToName[key]] = infos
	}
	return resolved, nil
}

func (r *Resolver) fromCatalog(ctx context.Context, names []string) (map[string][]DependencyInfo, error) {
	rows, err := r.catalog.DependenciesByNames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("catalog dependency query failed: %w", err)
	}

	resolved := map[string][]DependencyInfo{}
	for _, row := range rows {
		infos := resolved[row.GemName]

		// Rows for one version arrive adjacent; dependency pairs append to
		// the open entry
		if n := len(infos); n == 0 || infos[n-1].Number != row.Number || infos[n-1].Platform != row.Platform {
			infos = append(infos, DependencyInfo{
				Name:         row.GemName,
				Number:       row.Number,
				Platform:     row.Platform,
				Dependencies: [][2]string{},
			})
		}
		if row.DepName.Valid {
			last := &infos[len(infos)-1]
			last.Dependencies = append(last.Dependencies, [2]string{row.DepName.String, row.Requirements.String})
		}
		resolved[row.GemName] = infos
	}
	return resolved, nil
}

func (r *Resolver) fromUpstream(ctx context.Context, scope Scope, names []string) (map[string][]DependencyInfo, error) {
	client, err := r.upstream(scope.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream client: %w", err)
	}

	query := url.Values{}
	query.Set("gems", strings.Join(names, ","))
	body, err := client.GetBody(ctx, "/api/v1/dependencies?"+query.Encode())
	if err != nil {
		telemetry.UpstreamFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	telemetry.UpstreamFetches.WithLabelValues("success").Inc()

	var infos []DependencyInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("failed to decode upstream dependency response: %w", err)
	}

	resolved := map[string][]DependencyInfo{}
	for _, info := range infos {
		resolved[info.Name] = append(resolved[info.Name], info)
	}
	return resolved, nil
}

// writeBack repopulates the cache for each resolved name
func (r *Resolver) writeBack(ctx context.Context, scope Scope, resolved map[string][]DependencyInfo) {
	for name, infos := range resolved {
		raw, err := json.Marshal(infos)
		if err != nil {
			continue
		}
		if err := r.cache.Set(ctx, cache.DepsKey(scope.Key, name), raw, cache.DefaultTTL); err != nil {
			slog.Warn("dependency cache write failed", "scope", scope.Key, "gem", name, "error", err)
		}
	}
}

// collect moves resolved names out of pending and counts the tier's hits
func collect(results []DependencyInfo, pending []string, resolved map[string][]DependencyInfo, scope Scope, tier string) ([]DependencyInfo, []string) {
	remaining := pending[:0]
	for _, name := range pending {
		infos, ok := resolved[name]
		if !ok {
			remaining = append(remaining, name)
			continue
		}
		telemetry.DependencyLookups.WithLabelValues(tier, scope.metricLabel()).Inc()
		results = append(results, infos...)
	}
	return results, remaining
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
