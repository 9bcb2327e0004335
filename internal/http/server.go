// Package http hosts the gin engine, the shared middlewares and the error mapping.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/o1relay/internal/metrics"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NewEngine builds the base engine with middlewares, health and metrics routes.
// Relay and admin routes are registered on top by the caller.
func NewEngine(db *gorm.DB, m *metrics.Metrics, trustedProxies []string) *gin.Engine {
	engine := gin.New()
	if errProxies := engine.SetTrustedProxies(trustedProxies); errProxies != nil {
		log.WithError(errProxies).Warn("invalid trusted proxies, trusting none")
		_ = engine.SetTrustedProxies(nil)
	}
	engine.Use(RequestIDMiddleware(), AccessLogMiddleware(), RecoveryMiddleware())

	health := NewHealthHandler(db)
	engine.GET("/healthz", health.Healthz)
	if m != nil {
		engine.GET("/metrics", gin.WrapH(m.Handler()))
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "code": "not_found"})
	})
	return engine
}

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Healthz checks database connectivity and returns status.
func (h *HealthHandler) Healthz(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
