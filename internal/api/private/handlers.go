// Package private implements the HTTP handlers for the private gem source:
// dependency resolution against the local catalog, the push/yank/unyank
// lifecycle, and serving stored gems, gemspecs, and the specs-collection
// artifacts.
package private

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gem-registry/gem-registry/internal/auth"
	"github.com/gem-registry/gem-registry/internal/gems"
	"github.com/gem-registry/gem-registry/internal/middleware"
	"github.com/gem-registry/gem-registry/internal/storage"
)

// Handlers serves the private source routes
type Handlers struct {
	resolver  *gems.Resolver
	lifecycle *gems.Lifecycle
	specs     *gems.SpecsIndex
	store     *storage.Store
}

// NewHandlers creates the private handler set. store is the storage root.
func NewHandlers(resolver *gems.Resolver, lifecycle *gems.Lifecycle, specs *gems.SpecsIndex, store *storage.Store) *Handlers {
	return &Handlers{resolver: resolver, lifecycle: lifecycle, specs: specs, store: store}
}

// Dependencies handles GET /api/v1/dependencies?gems=a,b,c against the
// private catalog
func (h *Handlers) Dependencies(c *gin.Context) {
	names := splitGemsParam(c.Query("gems"))
	infos, err := h.resolver.Fetch(c.Request.Context(), gems.PrivateScope(), names)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve dependencies"})
		return
	}
	c.JSON(http.StatusOK, infos)
}

// Push handles POST /api/v1/gems with the raw gem archive as the body
func (h *Handlers) Push(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read gem body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty gem body"})
		return
	}

	if err := h.lifecycle.Push(c.Request.Context(), middleware.Credential(c), body); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "gem pushed"})
}

// Yank handles DELETE /api/v1/gems/yank?gem_name=...&version=...
func (h *Handlers) Yank(c *gin.Context) {
	name, specifier, ok := lifecycleParams(c)
	if !ok {
		return
	}
	if err := h.lifecycle.Yank(c.Request.Context(), middleware.Credential(c), name, specifier); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "gem yanked"})
}

// Unyank handles PUT /api/v1/gems/unyank?gem_name=...&version=...
func (h *Handlers) Unyank(c *gin.Context) {
	name, specifier, ok := lifecycleParams(c)
	if !ok {
		return
	}
	if err := h.lifecycle.Unyank(c.Request.Context(), middleware.Credential(c), name, specifier); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "gem unyanked"})
}

// Gem handles GET /gems/:gemfile, serving a stored private gem's bytes.
// Yanked versions stay on disk but are not served.
func (h *Handlers) Gem(c *gin.Context) {
	fullName := strings.TrimSuffix(c.Param("gemfile"), ".gem")
	if fullName == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "gem not found"})
		return
	}

	res := h.store.For("private", "gems").Resource(fullName)
	data, err := res.Content("gem")
	if err != nil {
		writeStorageError(c, err)
		return
	}

	props, err := res.Properties()
	if err != nil {
		writeStorageError(c, err)
		return
	}
	if props["indexed"] == "false" {
		c.JSON(http.StatusNotFound, gin.H{"error": "gem not found"})
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Gemspec handles GET /quick/:gemspec, serving the stored gemspec
func (h *Handlers) Gemspec(c *gin.Context) {
	fullName := strings.TrimSuffix(c.Param("gemspec"), ".gemspec")
	if fullName == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "gemspec not found"})
		return
	}

	data, err := h.store.For("private", "gems").Resource(fullName).Content("spec")
	if err != nil {
		writeStorageError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/yaml", data)
}

// Specs serves GET /specs.json.gz or /prerelease_specs.json.gz
func (h *Handlers) Specs(prerelease bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := h.specs.Get(c.Request.Context(), prerelease)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build specs index"})
			return
		}
		c.Data(http.StatusOK, "application/gzip", data)
	}
}

func lifecycleParams(c *gin.Context) (name, specifier string, ok bool) {
	name = c.Request.FormValue("gem_name")
	specifier = c.Request.FormValue("version")
	if name == "" || specifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gem_name and version are required"})
		return "", "", false
	}
	return name, specifier, true
}

func splitGemsParam(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func writeLifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		c.Header("WWW-Authenticate", `Basic realm="gem-registry"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "access denied"})
	case errors.Is(err, gems.ErrExistingVersion):
		c.JSON(http.StatusConflict, gin.H{"error": "version already exists"})
	case errors.Is(err, gems.ErrYankedVersion):
		c.JSON(http.StatusForbidden, gin.H{"error": "version has been yanked; unyank it first"})
	case errors.Is(err, gems.ErrUnknownGem):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gem"})
	case errors.Is(err, gems.ErrUnknownVersion):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown version"})
	case errors.Is(err, gems.ErrNotYanked):
		c.JSON(http.StatusConflict, gin.H{"error": "version is not yanked"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}

func writeStorageError(c *gin.Context, err error) {
	// Partial resources read as not found per the storage consistency model
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCorrupt) {
		c.JSON(http.StatusNotFound, gin.H{"error": "gem not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage read failed"})
}
