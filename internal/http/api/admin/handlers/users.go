package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/o1relay/internal/models"
	"github.com/router-for-me/o1relay/internal/store"
	"github.com/router-for-me/o1relay/internal/util"
	log "github.com/sirupsen/logrus"
)

// UserHandler manages relay users.
type UserHandler struct {
	users *store.Users
	now   func() time.Time
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(users *store.Users) *UserHandler {
	return &UserHandler{users: users, now: func() time.Time { return time.Now().UTC() }}
}

// createUserRequest defines the request body for user creation.
type createUserRequest struct {
	Name       string  `json:"name"`
	UsageLimit float64 `json:"usage_limit"`
}

// addLimitRequest defines the request body for raising a usage cap.
type addLimitRequest struct {
	Amount float64 `json:"amount"`
}

// List returns every user with its ledger summary.
func (h *UserHandler) List(c *gin.Context) {
	rows, errList := h.users.List(c.Request.Context())
	if errList != nil {
		log.WithError(errList).Error("admin: list users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}
	now := h.now()
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, h.userView(&rows[i], now))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// Create registers a new user and returns its token.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	user, errCreate := h.users.Create(c.Request.Context(), body.Name, body.UsageLimit)
	if errCreate != nil {
		h.writeStoreError(c, errCreate, "create user failed")
		return
	}
	view := h.userView(user, h.now())
	view["token"] = user.Token
	c.JSON(http.StatusCreated, view)
}

// Toggle flips a user's active flag.
func (h *UserHandler) Toggle(c *gin.Context) {
	user, errToggle := h.users.Toggle(c.Request.Context(), strings.TrimSpace(c.Param("token")))
	if errToggle != nil {
		h.writeStoreError(c, errToggle, "toggle user failed")
		return
	}
	c.JSON(http.StatusOK, h.userView(user, h.now()))
}

// Reset clears a user's daily request counter.
func (h *UserHandler) Reset(c *gin.Context) {
	user, errReset := h.users.ResetCounters(c.Request.Context(), strings.TrimSpace(c.Param("token")))
	if errReset != nil {
		h.writeStoreError(c, errReset, "reset user failed")
		return
	}
	c.JSON(http.StatusOK, h.userView(user, h.now()))
}

// AddLimit raises a user's usage cap by the given amount.
func (h *UserHandler) AddLimit(c *gin.Context) {
	var body addLimitRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	user, previous, errAdd := h.users.AddLimit(c.Request.Context(), strings.TrimSpace(c.Param("token")), body.Amount)
	if errAdd != nil {
		h.writeStoreError(c, errAdd, "add limit failed")
		return
	}
	view := h.userView(user, h.now())
	view["previous_limit"] = previous
	c.JSON(http.StatusOK, view)
}

func (h *UserHandler) userView(user *models.User, now time.Time) gin.H {
	state := user.State()
	view := gin.H{
		"id":                  user.ID,
		"name":                user.Name,
		"token_hint":          util.HideAPIKey(user.Token),
		"status":              user.Status(),
		"total_tokens":        user.TotalTokens,
		"total_cost":          user.TotalCost,
		"usage_limit":         user.UsageLimit,
		"remaining":           state.Remaining(),
		"daily_request_count": state.EffectiveDailyCount(now),
		"last_ip":             user.LastIP,
		"created_at":          user.CreatedAt,
	}
	if user.LastUsedAt != nil {
		view["last_used_at"] = user.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (h *UserHandler) writeStoreError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, store.ErrInvalidName), errors.Is(err, store.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error("admin: " + fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
