package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/arena/internal/admin"
)

// OperatorKey is the gin context key holding the authenticated operator's claims.
const OperatorKey = "operator"

// TokenParser validates bearer tokens.
type TokenParser interface {
	ParseToken(raw string) (*admin.Claims, error)
}

// RequireOperator rejects requests without a valid operator bearer token.
func RequireOperator(p TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := p.ParseToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(OperatorKey, claims)
		c.Next()
	}
}

// Operator returns the operator username set by RequireOperator.
func Operator(c *gin.Context) string {
	if v, ok := c.Get(OperatorKey); ok {
		if claims, ok := v.(*admin.Claims); ok {
			return claims.Subject
		}
	}
	return ""
}
