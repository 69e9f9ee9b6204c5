package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/apperr"
	"github.com/shelfmates/server/chat"
	"go.uber.org/zap"
)

// ConversationHandler serves the DM thread endpoints.
type ConversationHandler struct {
	resolver *chat.Resolver
	direct   *chat.DirectChannel
	logger   *zap.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(resolver *chat.Resolver, direct *chat.DirectChannel, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{resolver: resolver, direct: direct, logger: logger}
}

// GetOrCreate handles GET /api/conversation?userId=&friendId=.
func (h *ConversationHandler) GetOrCreate(c *gin.Context) {
	userID, err := optionalSelf(c, "userId")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	friendID, err := strconv.ParseInt(c.Query("friendId"), 10, 64)
	if err != nil {
		respondError(c, h.logger, apperr.Validation("invalid friendId"))
		return
	}
	conv, err := h.resolver.GetOrCreate(c.Request.Context(), userID, friendID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conv.ID})
}

// Messages handles GET /api/messages/:conversationId.
func (h *ConversationHandler) Messages(c *gin.Context) {
	msgs, err := h.direct.Messages(c.Request.Context(), mwUser(c), c.Param("conversationId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Delete handles DELETE /api/conversation/:convoId.
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.resolver.Delete(c.Request.Context(), mwUser(c), c.Param("convoId")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
