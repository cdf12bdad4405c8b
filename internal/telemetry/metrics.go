// Package telemetry provides application-level observability for the gem registry.
//
// All metrics are registered against the default Prometheus registry and served
// on the side-channel HTTP listener started by cmd/server (default port 9090,
// GET /metrics). The endpoint is deliberately not part of the gin router so the
// scrape path stays off the public ingress.
//
// HTTP metrics use the gin route template (e.g. /private/gems/:gemfile) rather
// than the raw request URL to prevent unbounded label cardinality from
// user-supplied gem names and version strings.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts processed HTTP requests by method, route
	// template, and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gem_registry_http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration is a latency histogram by method and route template.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gem_registry_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// DependencyLookups counts dependency resolutions by the tier that
	// answered ("cache", "catalog", "upstream") and the scope kind
	// ("private", "upstream"). Negative cache entries answer as "cache".
	DependencyLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gem_registry_dependency_lookups_total",
			Help: "Dependency resolutions by the tier that answered them and the request scope kind.",
		},
		[]string{"tier", "scope"},
	)

	// UpstreamFetches counts upstream HTTP fetches by outcome ("ok", "error").
	UpstreamFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gem_registry_upstream_fetches_total",
			Help: "Upstream registry fetches by outcome.",
		},
		[]string{"outcome"},
	)

	// LifecycleOperations counts gem lifecycle mutations by operation
	// ("push", "yank", "unyank") and outcome ("ok", "conflict", "denied", "error").
	LifecycleOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gem_registry_lifecycle_operations_total",
			Help: "Gem lifecycle mutations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)
