package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/o1relay/internal/access"
)

// TokenKey is the gin context key holding the caller's user token.
const TokenKey = "token"

// AccessAuthMiddleware extracts the user token from the headers or the :token path
// parameter. Validation against the store is left to the relay service.
func AccessAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := access.ExtractToken(c.Request, c.Param("token"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key", "code": "unauthorized"})
			return
		}
		c.Set(TokenKey, token)
		c.Next()
	}
}
