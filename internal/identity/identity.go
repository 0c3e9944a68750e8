// Package identity resolves the acting user for each request.
//
// Authentication itself is an external collaborator: the edge proxy
// authenticates the session and forwards the resolved identity in headers.
// This package only lifts those headers into the gin context so handlers can
// make authorization decisions against entity ownership.
package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the acting user's ID.
	ContextKeyUserID = "actorUserID"
	// ContextKeyAdmin is the gin context key for the admin flag.
	ContextKeyAdmin = "actorIsAdmin"

	headerUserID = "X-User-ID"
	headerAdmin  = "X-Admin"
)

// Middleware lifts the upstream-resolved identity headers into the context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader(headerUserID); userID != "" {
			c.Set(ContextKeyUserID, userID)
			c.Set(ContextKeyAdmin, c.GetHeader(headerAdmin) == "true")
		}
		c.Next()
	}
}

// RequireUser rejects requests without a resolved user identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authenticated user required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests from non-admin users.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" || !c.GetBool(ContextKeyAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}

// Actor returns the acting user's ID from the gin context.
func Actor(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
