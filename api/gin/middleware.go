package padsigngin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey = "auth-claims"
	tenantKey = "auth-tenant-id"
)

// authMiddleware validates the Bearer credential on admin routes and
// stores the resulting claims on the context. Every admin handler is
// tenant-scoped through these claims.
func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "invalid_credentials",
				"error_description": "missing bearer token",
			})
			return
		}

		claims, err := a.validator.Validate(c.Request.Context(), strings.TrimPrefix(authHeader, prefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "invalid_credentials",
				"error_description": "credential validation failed",
			})
			return
		}

		c.Set(claimsKey, claims)
		c.Set(tenantKey, claims.TenantID)
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}
