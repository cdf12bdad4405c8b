// Package api wires the HTTP surface of the registry. Every request passes
// through source matching first: the matched source (private, a named
// upstream, the redirect variant, or the default upstream) decides which
// handler family serves the source-relative path.
//
// The fetch surface (dependencies, gems, specs) is unauthenticated by
// default because Bundler resolves without credentials; lifecycle routes
// authorize inside the operation. protected_fetch additionally gates the
// private fetch routes behind a fetch-permission credential.
package api

import (
	"database/sql"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/gem-registry/gem-registry/internal/api/mirror"
	"github.com/gem-registry/gem-registry/internal/api/private"
	"github.com/gem-registry/gem-registry/internal/auth"
	"github.com/gem-registry/gem-registry/internal/cache"
	"github.com/gem-registry/gem-registry/internal/config"
	"github.com/gem-registry/gem-registry/internal/db/repositories"
	"github.com/gem-registry/gem-registry/internal/gems"
	"github.com/gem-registry/gem-registry/internal/middleware"
	"github.com/gem-registry/gem-registry/internal/storage"
	"github.com/gem-registry/gem-registry/internal/upstream"
)

// Server is the routed HTTP surface: source matching in front of one gin
// engine whose routes are all source-relative
type Server struct {
	engine          *gin.Engine
	defaultUpstream string
}

// Registry groups the constructed domain components so cmd/server can reach
// the pieces it also exposes on the CLI
type Registry struct {
	Auth      *auth.Registry
	Resolver  *gems.Resolver
	Lifecycle *gems.Lifecycle
	Specs     *gems.SpecsIndex
}

// NewServer builds the domain components and the router. redisClient is
// non-nil only when the redis cache backend is active; it enables the push
// rate limiter.
func NewServer(cfg *config.Config, db *sql.DB, c cache.Cache, store *storage.Store, redisClient *redis.Client) (*Server, *Registry) {
	gemRepo := repositories.NewGemRepository(db)
	sqlxDB := sqlx.NewDb(db, "postgres")
	authRepo := repositories.NewAuthKeyRepository(sqlxDB)
	upstreamRepo := repositories.NewUpstreamRepository(sqlxDB)

	authz := auth.NewRegistry(authRepo, c)

	clientFor := func(baseURL string) (*upstream.Client, error) {
		return upstream.New(baseURL, cfg.Upstream.ConnectTimeout, cfg.Upstream.RequestTimeout)
	}
	resolver := gems.NewResolver(c, gemRepo, func(baseURL string) (gems.UpstreamGetter, error) {
		return clientFor(baseURL)
	})

	specs := gems.NewSpecsIndex(gemRepo, store)
	lifecycle := gems.NewLifecycle(gemRepo, authz, store, c, specs)

	privateH := private.NewHandlers(resolver, lifecycle, specs, store)
	mirrorH := mirror.NewHandlers(resolver, store, upstreamRepo, clientFor)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Metrics())

	registerRoutes(engine, cfg, db, authz, privateH, mirrorH, redisClient)

	server := &Server{engine: engine, defaultUpstream: cfg.Upstream.DefaultURL}
	registry := &Registry{Auth: authz, Resolver: resolver, Lifecycle: lifecycle, Specs: specs}
	return server, registry
}

// ServeHTTP matches the source, rewrites the path relative to the source
// root, and hands the request to the engine. Exactly one rewrite happens
// per request. Matching runs on the escaped path so a percent-encoded
// upstream URL stays a single segment instead of decoding into several.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source, rewritten := MatchSource(r.URL.EscapedPath(), r.Header.Get("X-Gemfile-Source"), s.defaultUpstream)

	decoded, err := url.PathUnescape(rewritten)
	if err != nil {
		decoded = rewritten
	}
	r.URL.Path = decoded
	if decoded == rewritten {
		r.URL.RawPath = ""
	} else {
		r.URL.RawPath = rewritten
	}

	r = r.WithContext(WithSource(r.Context(), source))
	s.engine.ServeHTTP(w, r)
}

func registerRoutes(engine *gin.Engine, cfg *config.Config, db *sql.DB, authz *auth.Registry, privateH *private.Handlers, mirrorH *mirror.Handlers, redisClient *redis.Client) {
	// guard applies the protected_fetch gate to private fetch routes
	guard := func(h gin.HandlerFunc) gin.HandlerFunc {
		if !cfg.Auth.ProtectedFetch {
			return h
		}
		gate := middleware.RequirePermission(authz, auth.PermissionFetch)
		return func(c *gin.Context) {
			gate(c)
			if !c.IsAborted() {
				h(c)
			}
		}
	}

	push := privateOnly(privateH.Push)
	if redisClient != nil && cfg.Auth.RateLimitPerMinute > 0 {
		limiter := middleware.PushRateLimit(redisClient, cfg.Auth.RateLimitPerMinute, cfg.Auth.RateLimitPerMinute/2+1)
		inner := push
		push = func(c *gin.Context) {
			limiter(c)
			if !c.IsAborted() {
				inner(c)
			}
		}
	}

	engine.GET("/api/v1/dependencies", dispatch(guard(privateH.Dependencies), mirrorH.Dependencies))
	engine.POST("/api/v1/gems", push)
	engine.DELETE("/api/v1/gems/yank", privateOnly(privateH.Yank))
	engine.PUT("/api/v1/gems/unyank", privateOnly(privateH.Unyank))

	engine.GET("/gems/:gemfile", dispatch(guard(privateH.Gem), mirrorH.Gem))
	engine.GET("/quick/:gemspec", dispatch(guard(privateH.Gemspec), redirectArtifactByParam(mirrorH, "/quick/", "gemspec")))
	engine.GET("/specs.json.gz", dispatch(guard(privateH.Specs(false)), mirrorH.RedirectArtifact("/specs.json.gz")))
	engine.GET("/prerelease_specs.json.gz", dispatch(guard(privateH.Specs(true)), mirrorH.RedirectArtifact("/prerelease_specs.json.gz")))

	engine.GET("/health", healthHandler(db))
}

// dispatch routes a request to the private or mirror handler according to
// the matched source. Mirror handlers receive the upstream through gin keys
// so the handler package stays decoupled from source matching.
func dispatch(privateH, mirrorH gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		source := SourceFrom(c.Request.Context())
		if source.Kind == SourcePrivate {
			privateH(c)
			return
		}
		c.Set(mirror.UpstreamKey, source.Upstream)
		c.Set(mirror.RedirectKey, source.Kind == SourceRedirect)
		mirrorH(c)
	}
}

// privateOnly rejects lifecycle routes on upstream sources
func privateOnly(h gin.HandlerFunc) gin.HandlerFunc {
	return dispatch(h, func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not available for upstream sources"})
	})
}

// redirectArtifactByParam rebuilds the artifact path from a route parameter
// before redirecting to the upstream
func redirectArtifactByParam(mirrorH *mirror.Handlers, prefix, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		mirrorH.RedirectArtifact(prefix + c.Param(param))(c)
	}
}

// healthHandler reports liveness and database reachability
func healthHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
