package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/o1relay/internal/access"
	relayhttp "github.com/router-for-me/o1relay/internal/http"
	"github.com/router-for-me/o1relay/internal/relay"
	"github.com/router-for-me/o1relay/internal/upstream"
)

// ChatHandler relays chat requests to the model.
type ChatHandler struct {
	service *relay.Service
}

// NewChatHandler constructs a ChatHandler.
func NewChatHandler(service *relay.Service) *ChatHandler {
	return &ChatHandler{service: service}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body of POST /chat.
type chatRequest struct {
	Messages        []chatMessage `json:"messages"`
	APIKey          string        `json:"api_key"`
	ReasoningEffort string        `json:"reasoning_effort"`
}

// chatResponse is the response body of a successful chat.
type chatResponse struct {
	Content           string  `json:"content"`
	Model             string  `json:"model"`
	PromptTokens      int64   `json:"prompt_tokens"`
	CompletionTokens  int64   `json:"completion_tokens"`
	ReasoningTokens   int64   `json:"reasoning_tokens"`
	TotalTokens       int64   `json:"total_tokens"`
	Cost              float64 `json:"cost"`
	UserTotalCost     float64 `json:"user_total_cost"`
	UsageLimit        float64 `json:"usage_limit"`
	DailyRequestCount int     `json:"daily_request_count"`
	DailyRequestLimit int     `json:"daily_request_limit"`
	LatencySeconds    float64 `json:"latency_seconds"`
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(c *gin.Context) {
	var body chatRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": relay.KindValidation.String()})
		return
	}

	messages := make([]upstream.Message, 0, len(body.Messages))
	for _, msg := range body.Messages {
		messages = append(messages, upstream.Message{Role: msg.Role, Content: msg.Content})
	}

	result, errChat := h.service.Chat(c.Request.Context(), relay.ChatRequest{
		Token:           access.ExtractToken(c.Request, body.APIKey),
		Messages:        messages,
		ReasoningEffort: body.ReasoningEffort,
		ClientIP:        c.ClientIP(),
		RequestID:       c.GetString(relayhttp.RequestIDKey),
	})
	if errChat != nil {
		relayhttp.AbortWithError(c, errChat)
		return
	}

	c.JSON(http.StatusOK, chatResponse{
		Content:           result.Content,
		Model:             result.Model,
		PromptTokens:      result.PromptTokens,
		CompletionTokens:  result.CompletionTokens,
		ReasoningTokens:   result.ReasoningTokens,
		TotalTokens:       result.TotalTokens,
		Cost:              result.Cost,
		UserTotalCost:     result.UserTotalCost,
		UsageLimit:        result.UsageLimit,
		DailyRequestCount: result.DailyRequestCount,
		DailyRequestLimit: result.DailyRequestLimit,
		LatencySeconds:    result.LatencySeconds,
	})
}
