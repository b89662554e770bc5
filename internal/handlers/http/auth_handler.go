package http

import (
	"net/http"
	"strings"
	"time"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/services"
	"alumlink/pkg/errors"
	"alumlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues access tokens. Identity is asserted by the platform
// backend that fronts this service, so the login endpoint trusts the
// supplied user id.
type AuthHandler struct {
	authService    services.AuthService
	accessTokenTTL time.Duration
}

func NewAuthHandler(authService services.AuthService, accessTokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		accessTokenTTL: accessTokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID   string `json:"user_id" binding:"required,max=64"`
	Username string `json:"username" binding:"max=50"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	accessToken, err := h.authService.GenerateToken(domain.UserID(req.UserID), req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      req.UserID,
		"access_token": accessToken,
		"expires_in":   int(h.accessTokenTTL / time.Second),
	})
}
