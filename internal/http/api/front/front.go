package front

import (
	"github.com/gin-gonic/gin"
	relayhttp "github.com/router-for-me/o1relay/internal/http"
	"github.com/router-for-me/o1relay/internal/http/api/front/handlers"
	"github.com/router-for-me/o1relay/internal/relay"
)

// RegisterFrontRoutes registers the client-facing chat and stats routes.
func RegisterFrontRoutes(r *gin.Engine, service *relay.Service) {
	if r == nil || service == nil {
		return
	}

	chatHandler := handlers.NewChatHandler(service)
	r.POST("/chat", chatHandler.Chat)
	r.POST("/v1/chat", chatHandler.Chat)

	statsHandler := handlers.NewStatsHandler(service)
	r.GET("/user/stats/:token", relayhttp.AccessAuthMiddleware(), statsHandler.Get)
	r.GET("/v1/stats", relayhttp.AccessAuthMiddleware(), statsHandler.Get)
}
