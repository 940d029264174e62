// README: Bearer-token auth middleware; resolves the caller uid and role from a verified token.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"towhub/internal/infra"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer"
	callerUIDKey        = "caller_uid"
	callerRoleKey       = "caller_role"
)

// Caller roles as seen by handlers.
const (
	RoleClient = "client"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(authorizationHeader)
		if raw == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "authorization header missing")
			return
		}
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], bearerPrefix) || strings.TrimSpace(parts[1]) == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid authorization header")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(parts[1]))
		if err != nil || token == nil || token.UID == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		c.Set(callerUIDKey, token.UID)
		c.Set(callerRoleKey, roleFromClaims(token.Claims))
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles. Must run after Auth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "forbidden", "role not permitted")
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(callerUIDKey)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(callerRoleKey)
}

// roleFromClaims maps the "role" claim: driver and admin are recognised, anything else is a client.
func roleFromClaims(claims map[string]interface{}) string {
	role, _ := claims["role"].(string)
	switch strings.ToLower(role) {
	case RoleDriver:
		return RoleDriver
	case RoleAdmin:
		return RoleAdmin
	}
	return RoleClient
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
