package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/o1relay/internal/config"
	"github.com/router-for-me/o1relay/internal/http/api/admin/handlers"
	"github.com/router-for-me/o1relay/internal/security"
	"github.com/router-for-me/o1relay/internal/store"
	log "github.com/sirupsen/logrus"
)

// RegisterAdminRoutes registers the admin login and user management routes.
// Nothing is registered when no password hash or JWT secret is configured.
func RegisterAdminRoutes(r *gin.Engine, users *store.Users, cfg config.Config) {
	if r == nil || users == nil {
		return
	}
	if !cfg.AdminEnabled() {
		log.Info("admin api disabled: admin.password-hash or admin.jwt.secret not set")
		return
	}

	admin := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(cfg.Admin)
	admin.POST("/login", authHandler.Login)

	authed := admin.Group("")
	authed.Use(adminAuthMiddleware(cfg.Admin.JWT))

	userHandler := handlers.NewUserHandler(users)
	authed.GET("/users", userHandler.List)
	authed.POST("/users", userHandler.Create)
	authed.POST("/users/:token/toggle", userHandler.Toggle)
	authed.POST("/users/:token/reset", userHandler.Reset)
	authed.POST("/users/:token/limit", userHandler.AddLimit)
}

// adminAuthMiddleware validates admin JWTs.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("adminUsername", claims.Username)
		c.Next()
	}
}
