package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	relayhttp "github.com/router-for-me/o1relay/internal/http"
	"github.com/router-for-me/o1relay/internal/relay"
)

// StatsHandler serves a user's ledger summary.
type StatsHandler struct {
	service *relay.Service
}

// NewStatsHandler constructs a StatsHandler.
func NewStatsHandler(service *relay.Service) *StatsHandler {
	return &StatsHandler{service: service}
}

type statsResponse struct {
	Name              string  `json:"name"`
	IsActive          bool    `json:"is_active"`
	TotalTokens       int64   `json:"total_tokens"`
	TotalCost         float64 `json:"total_cost"`
	UsageLimit        float64 `json:"usage_limit"`
	Remaining         float64 `json:"remaining"`
	DailyRequestCount int     `json:"daily_request_count"`
	DailyRequestLimit int     `json:"daily_request_limit"`
	LastUsed          *string `json:"last_used"`
	LastIP            *string `json:"last_ip"`
}

// Get handles GET /user/stats/:token and GET /v1/stats.
func (h *StatsHandler) Get(c *gin.Context) {
	stats, errStats := h.service.Stats(c.Request.Context(), c.GetString(relayhttp.TokenKey))
	if errStats != nil {
		relayhttp.AbortWithError(c, errStats)
		return
	}

	resp := statsResponse{
		Name:              stats.Name,
		IsActive:          stats.Active,
		TotalTokens:       stats.TotalTokens,
		TotalCost:         stats.TotalCost,
		UsageLimit:        stats.UsageLimit,
		Remaining:         stats.Remaining,
		DailyRequestCount: stats.DailyRequestCount,
		DailyRequestLimit: stats.DailyRequestLimit,
	}
	if stats.LastUsedAt != nil {
		lastUsed := stats.LastUsedAt.UTC().Format(time.RFC3339)
		resp.LastUsed = &lastUsed
	}
	if stats.LastIP != "" {
		lastIP := stats.LastIP
		resp.LastIP = &lastIP
	}
	c.JSON(http.StatusOK, resp)
}
