package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/internal/session"
)

const principalKey = "principal"

// TokenValidator resolves a session token
type TokenValidator interface {
	Validate(token string) (*session.Principal, error)
}

// AuthRequired middleware validates session tokens from the Authorization
// header or, for EventSource and media elements that cannot set headers,
// the token query parameter
func AuthRequired(sessions TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header or token parameter required", "code": "unauthorized"})
			return
		}

		principal, err := sessions.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token, sign in again", "code": "unauthorized"})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// BearerToken extracts the token from "Bearer <token>" or ?token=
func BearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

// GetPrincipal retrieves the authenticated session from context
func GetPrincipal(c *gin.Context) *session.Principal {
	p, exists := c.Get(principalKey)
	if !exists {
		return nil
	}
	return p.(*session.Principal)
}
