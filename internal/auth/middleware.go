// Package auth resolves the calling profile and gates admin routes.
//
// Profile identity is owned by the upstream profile system: the edge proxy
// authenticates the user and forwards the profile ID in HeaderProfileID.
// This service trusts that header and never issues credentials itself.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/validation"
)

const (
	// HeaderProfileID carries the authenticated profile forwarded by the edge.
	HeaderProfileID = "X-Profile-ID"
	// HeaderAdminSecret carries the shared admin secret.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyProfileID is the gin context key for the calling profile.
	ContextKeyProfileID = "authProfileID"
)

// Middleware reads the forwarded profile ID into the context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(HeaderProfileID); id != "" && validation.IsValidID(id) {
			c.Set(ContextKeyProfileID, id)
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a calling profile.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ProfileID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Profile identity required.",
			})
			return
		}
		c.Next()
	}
}

// RequireSelf requires the calling profile to match the paramName path
// parameter.
func RequireSelf(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := ProfileID(c)
		if caller == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Profile identity required.",
			})
			return
		}
		if caller != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this profile.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks HeaderAdminSecret against secret in constant time.
// An empty secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin API is disabled.",
			})
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required.",
			})
			return
		}
		c.Next()
	}
}

// ProfileID returns the calling profile, or "" when unauthenticated.
func ProfileID(c *gin.Context) string {
	return c.GetString(ContextKeyProfileID)
}
