// Package mirror implements the HTTP handlers for upstream-backed sources:
// dependency resolution against an upstream's batch endpoint, gem downloads
// proxied through the local resource store, and the redirect variant that
// sends download traffic straight to the upstream.
package mirror

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gem-registry/gem-registry/internal/db/models"
	"github.com/gem-registry/gem-registry/internal/db/repositories"
	"github.com/gem-registry/gem-registry/internal/gems"
	"github.com/gem-registry/gem-registry/internal/storage"
	"github.com/gem-registry/gem-registry/internal/upstream"
)

// Gin context keys set by the router after source matching
const (
	// UpstreamKey holds the upstream base URL for this request
	UpstreamKey = "upstream_url"

	// RedirectKey is true when the source is the redirect variant
	RedirectKey = "upstream_redirect"
)

// ClientFactory builds an upstream client for a base URL
type ClientFactory func(baseURL string) (*upstream.Client, error)

// Handlers serves the upstream-backed source routes
type Handlers struct {
	resolver  *gems.Resolver
	store     *storage.Store
	upstreams *repositories.UpstreamRepository
	clientFor ClientFactory
}

// NewHandlers creates the mirror handler set. store is the storage root;
// mirrored gems live under per-upstream host-id namespaces beneath it.
// upstreams may be nil when upstream bookkeeping is not wanted (tests).
func NewHandlers(resolver *gems.Resolver, store *storage.Store, upstreams *repositories.UpstreamRepository, clientFor ClientFactory) *Handlers {
	return &Handlers{resolver: resolver, store: store, upstreams: upstreams, clientFor: clientFor}
}

func upstreamURL(c *gin.Context) string {
	return c.GetString(UpstreamKey)
}

// Dependencies handles GET /api/v1/dependencies for an upstream scope
func (h *Handlers) Dependencies(c *gin.Context) {
	names := splitGemsParam(c.Query("gems"))
	infos, err := h.resolver.Fetch(c.Request.Context(), gems.UpstreamScope(upstreamURL(c)), names)
	if err != nil {
		writeUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

// Gem handles GET /gems/:gemfile. The proxy variant serves from the local
// mirror, fetching from the upstream on first request; the redirect variant
// 302s the client to the upstream.
func (h *Handlers) Gem(c *gin.Context) {
	uri := upstreamURL(c)
	gemfile := c.Param("gemfile")
	fullName := strings.TrimSuffix(gemfile, ".gem")
	if fullName == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "gem not found"})
		return
	}

	if c.GetBool(RedirectKey) {
		c.Redirect(http.StatusFound, strings.TrimRight(uri, "/")+"/gems/"+url.PathEscape(gemfile))
		return
	}

	hostStore := h.store.For(models.HostIDFor(uri))
	res := hostStore.For("gems").Resource(fullName)

	data, err := res.Content("gem")
	if err == nil {
		props, perr := res.Properties()
		if perr == nil {
			serveGem(c, data, props)
			return
		}
		err = perr
	}
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCorrupt) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage read failed"})
		return
	}

	client, err := h.clientFor(uri)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "invalid upstream"})
		return
	}

	h.recordUpstream(c, uri)

	data, props, err := client.FetchGem(c.Request.Context(), fullName, hostStore)
	if err != nil {
		writeUpstreamError(c, err)
		return
	}
	serveGem(c, data, props)
}

// RedirectArtifact 302s a source-relative path (specs artifacts, quick
// gemspecs) to the upstream; these are never mirrored locally
func (h *Handlers) RedirectArtifact(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Redirect(http.StatusFound, strings.TrimRight(upstreamURL(c), "/")+path)
	}
}

// recordUpstream keeps the catalog's upstream table current; failures only
// cost bookkeeping, never the request
func (h *Handlers) recordUpstream(c *gin.Context, uri string) {
	if h.upstreams == nil {
		return
	}
	if _, err := h.upstreams.FindOrCreate(c.Request.Context(), uri); err != nil {
		slog.Warn("failed to record upstream", "upstream", uri, "error", err)
	}
}

// serveGem writes gem bytes with the safelisted upstream headers mirrored
// onto the response
func serveGem(c *gin.Context, data []byte, props map[string]string) {
	for _, header := range []string{"etag", "last-modified"} {
		if v := props[header]; v != "" {
			c.Header(header, v)
		}
	}
	contentType := props["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, data)
}

func splitGemsParam(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func writeUpstreamError(c *gin.Context, err error) {
	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) {
		status := upstreamErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": "upstream request failed", "upstream_status": upstreamErr.StatusCode})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unreachable"})
}
