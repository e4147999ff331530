package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the key for storing the resolved Principal in gin context.
	ContextKeyPrincipal = "authPrincipal"
	// ContextKeyTenantID is the key for storing the tenant ID pulled from the token.
	ContextKeyTenantID = "authTenantID"
)

// Middleware extracts and verifies the bearer token, setting the Principal
// and tenant ID in context when valid. It never aborts the request by
// itself; pair it with RequireAuth on routes that need to reject missing or
// invalid tokens.
func Middleware(r *Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token != "" {
			if p, err := r.Verify(token); err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Set(ContextKeyTenantID, p.TenantID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not resolve to a Principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyPrincipal); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "bearer token required",
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated Principal, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// GetTenantID returns the tenant ID resolved from the request's token, or
// the empty string if the request is unauthenticated.
func GetTenantID(c *gin.Context) string {
	v, _ := c.Get(ContextKeyTenantID)
	s, _ := v.(string)
	return s
}

// IsAuthenticated reports whether the request carried a verified token.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyPrincipal)
	return exists
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
