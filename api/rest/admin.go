package rest

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/cache"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/scheduler"
	"github.com/shelfmates/server/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Announcer pushes an operator notice to every SSE listener.
type Announcer interface {
	Announce(ctx context.Context, message string) error
}

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	sm     *session.Manager
	rooms  *room.Router
	sched  *scheduler.Scheduler
	notice Announcer
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler. notice may be nil.
func NewAdminHandler(
	db *gorm.DB,
	c cache.Cache,
	sm *session.Manager,
	rooms *room.Router,
	sched *scheduler.Scheduler,
	notice Announcer,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, cache: c, sm: sm, rooms: rooms, sched: sched, notice: notice, logger: logger}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	online, err := h.sm.OnlineUsers(c.Request.Context())
	if err != nil {
		h.logger.Warn("presence lookup failed", zap.Error(err))
	}
	rooms := h.rooms.Rooms()
	c.JSON(http.StatusOK, gin.H{
		"sessions":        h.sm.Count(),
		"local_users":     h.sm.UserCount(),
		"online_users":    len(online),
		"active_rooms":    len(rooms),
		"scheduler_tasks": h.sched.Tasks(),
	})
}

// ListSessions returns a snapshot of the sessions on this instance.
// GET /api/admin/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions := h.sm.All()
	type sessionInfo struct {
		ID       string `json:"id"`
		UserID   int64  `json:"user_id"`
		UserName string `json:"user_name"`
	}
	result := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, sessionInfo{ID: s.ID, UserID: s.UserID, UserName: s.UserName})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": result, "count": len(result)})
}

// ListRooms returns live rooms with their local member counts.
// GET /api/admin/rooms
func (h *AdminHandler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.Rooms()})
}

// KickUser forcibly disconnects every local session of a user.
// POST /api/admin/kick/:id
func (h *AdminHandler) KickUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	n := h.sm.CloseUser(userID)
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not online"})
		return
	}
	h.logger.Info("admin kicked user", zap.Int64("user_id", userID), zap.Int("sessions", n))
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": n})
}

// BanUser bans or unbans an account. A ban also revokes every issued token
// and closes live sessions.
// POST /api/admin/users/:id/ban
func (h *AdminHandler) BanUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := model.UserStatusNormal
	if req.Ban {
		status = model.UserStatusBanned
	}
	result := h.db.Model(&model.User{}).Where("id = ?", userID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if req.Ban {
		closed := h.sm.CloseUser(userID)
		revoked, err := mw.RevokeUserSessions(c.Request.Context(), h.cache, userID)
		if err != nil {
			h.logger.Error("ban: revoke sessions failed",
				zap.Int64("user_id", userID),
				zap.Int("sessions_closed", closed),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "banned, but tokens could not be revoked"})
			return
		}
		h.logger.Info("admin banned user",
			zap.Int64("user_id", userID),
			zap.Int("tokens_revoked", revoked),
			zap.Int("sessions_closed", closed))
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
		return
	}
	h.logger.Info("admin changed user status", zap.Int64("user_id", userID), zap.Bool("ban", req.Ban))
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// Announce broadcasts an operator notice to SSE listeners.
// POST /api/admin/announce
func (h *AdminHandler) Announce(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.notice == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "announcements unavailable"})
		return
	}
	if err := h.notice.Announce(c.Request.Context(), req.Message); err != nil {
		h.logger.Error("announce failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "announce failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListSchedulerTasks returns the registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// If adminKey is empty all admin endpoints answer 503, so the server cannot
// be deployed with open admin routes by accident.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
