package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/o1relay/internal/config"
	"github.com/router-for-me/o1relay/internal/security"
	log "github.com/sirupsen/logrus"
)

// AuthHandler handles admin authentication endpoints.
type AuthHandler struct {
	cfg config.AdminConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(cfg config.AdminConfig) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

// loginRequest defines the request body for admin login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

// Login checks the configured admin credentials and issues a JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	username := strings.TrimSpace(body.Username)
	password := body.Password
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	if username != h.cfg.Username || !security.CheckPassword(h.cfg.PasswordHash, password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !security.ValidateTOTP(h.cfg.TOTPSecret, body.TOTPCode) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid totp code"})
		return
	}

	expiry := h.cfg.JWT.Expiry
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	token, errToken := security.GenerateAdminToken(h.cfg.JWT.Secret, username, expiry)
	if errToken != nil {
		log.WithError(errToken).Error("admin login: sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": time.Now().UTC().Add(expiry).Format(time.RFC3339),
		"username":   username,
	})
}
