package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/apperr"
	"github.com/shelfmates/server/chat"
	"go.uber.org/zap"
)

// ClubHandler serves club chat history.
type ClubHandler struct {
	club   *chat.ClubChannel
	logger *zap.Logger
}

// NewClubHandler creates a ClubHandler.
func NewClubHandler(club *chat.ClubChannel, logger *zap.Logger) *ClubHandler {
	return &ClubHandler{club: club, logger: logger}
}

// History handles GET /api/clubs/:id/messages?userId=&before=&limit=.
func (h *ClubHandler) History(c *gin.Context) {
	clubID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || clubID <= 0 {
		respondError(c, h.logger, apperr.Validation("invalid club id"))
		return
	}
	userID, err := optionalSelf(c, "userId")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	before, err := parseCursor(c.Query("before"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	// Unparsable limits fall back to the default.
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.club.History(c.Request.Context(), userID, clubID, before, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// parseCursor accepts RFC3339 timestamps or unix milliseconds. Empty means now.
func parseCursor(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, apperr.Validation("before must be RFC3339 or unix milliseconds")
	}
	return t.UTC(), nil
}
