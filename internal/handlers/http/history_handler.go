package http

import (
	"net/http"
	"strconv"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/ports"
	"alumlink/internal/core/services"
	"alumlink/internal/infrastructure/middleware"
	"alumlink/pkg/errors"
	"alumlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// HistoryHandler serves the REST read side: conversation history and
// presence snapshots. All mutations go through the WebSocket gateway.
type HistoryHandler struct {
	messages ports.MessageService
	presence ports.PresenceRegistry
}

func NewHistoryHandler(messages ports.MessageService, presence ports.PresenceRegistry) *HistoryHandler {
	return &HistoryHandler{
		messages: messages,
		presence: presence,
	}
}

func (h *HistoryHandler) SetupRoutes(router *gin.Engine, authService services.AuthService) {
	api := router.Group("/api/v1", middleware.AuthMiddleware(authService))
	{
		api.GET("/conversations/:peer/messages", h.GetConversation)
		api.GET("/presence/online", h.GetOnlineUsers)
		api.GET("/presence/:user", h.GetUserPresence)
	}
}

func (h *HistoryHandler) GetConversation(c *gin.Context) {
	requesterID, ok := userFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	peer := c.Param("peer")
	if err := validation.ValidateUserID(peer); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	afterSeq := int64(0)
	if raw := c.Query("after_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.Error(errors.NewValidationError("after_seq must be a non-negative integer"))
			return
		}
		afterSeq = parsed
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.Error(errors.NewValidationError("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	msgs, err := h.messages.History(c.Request.Context(), requesterID, domain.UserID(peer), afterSeq, limit)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": domain.ConversationKey(requesterID, domain.UserID(peer)),
		"messages":        msgs,
		"count":           len(msgs),
	})
}

func (h *HistoryHandler) GetOnlineUsers(c *gin.Context) {
	users := h.presence.OnlineUsers()
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}

func (h *HistoryHandler) GetUserPresence(c *gin.Context) {
	user := c.Param("user")
	if err := validation.ValidateUserID(user); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": user,
		"online":  h.presence.IsOnline(domain.UserID(user)),
	})
}

func userFromContext(c *gin.Context) (domain.UserID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		return "", false
	}
	userID, ok := val.(domain.UserID)
	return userID, ok
}
