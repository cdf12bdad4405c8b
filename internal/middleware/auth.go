package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Authorizer checks one permission for a presented credential
type Authorizer interface {
	Check(ctx context.Context, credential, permission string) error
}

// Credential extracts the API key from a request. The Authorization header
// carries it either bare (the rubygems client convention) or with a Bearer
// prefix; HTTP basic auth passwords are accepted for tooling that only
// speaks basic auth.
func Credential(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if strings.HasPrefix(header, "Basic ") {
		if _, password, ok := c.Request.BasicAuth(); ok {
			return password
		}
		return ""
	}
	return header
}

// RequirePermission rejects requests whose credential does not grant the
// permission. Used for the fetch surface when protected_fetch is enabled;
// lifecycle handlers authorize inside the operation instead so denial and
// conflict ordering stays in one place.
func RequirePermission(authz Authorizer, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authz.Check(c.Request.Context(), Credential(c), permission); err != nil {
			c.Header("WWW-Authenticate", `Basic realm="gem-registry"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "access denied"})
			return
		}
		c.Next()
	}
}
