package ws

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
	"go.uber.org/zap"
)

// Handler is the Gin handler for GET /ws. It is the connection gate: a
// session exists only for a verified, live, known user.
type Handler struct {
	identity store.IdentityStore
	cache    cache.Cache
	sec      config.SecurityConfig
	limits   session.Limits
	sm       *session.Manager
	rooms    *room.Router
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	identity store.IdentityStore,
	c cache.Cache,
	sec config.SecurityConfig,
	chatCfg config.ChatConfig,
	sm *session.Manager,
	rooms *room.Router,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		identity: identity,
		cache:    c,
		sec:      sec,
		limits: session.Limits{
			SendRPS:     chatCfg.SendRPS,
			SendBurst:   chatCfg.SendBurst,
			MaxInflight: chatCfg.MaxInflight,
		},
		sm:     sm,
		rooms:  rooms,
		router: router,
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     OriginChecker(sec.AllowedOrigins),
	}
	return h
}

// OriginChecker allows requests whose Origin is in allowed. An empty list
// allows every origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true // dev mode: allow all
		}
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	claims, err := mw.Authenticate(c.Request.Context(), h.sec, h.cache, tokenStr)
	if err != nil {
		h.logger.Info("ws gate rejected", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		c.JSON(mw.RejectStatus(err), gin.H{"error": mw.RejectMessage(err)})
		return
	}

	user, err := h.identity.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			return
		}
		h.logger.Error("ws gate user lookup failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if user.Status == model.UserStatusBanned {
		c.JSON(http.StatusForbidden, gin.H{"error": "account banned"})
		return
	}

	// Upgrade to WebSocket. The upgrader answers 403 on a bad Origin.
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}

	sess := session.New(user.ID, user.Name(), conn, h.limits, h.logger)
	h.sm.Register(sess)
	h.logger.Info("user connected",
		zap.Int64("user_id", user.ID),
		zap.String("session_id", sess.ID),
		zap.String("client_ip", c.ClientIP()))

	// Read pump blocks until the connection closes.
	h.readPump(sess)
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *session.Session) {
	defer h.handleDisconnect(s)

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", s.UserID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.SetReadDeadline()
		h.router.Dispatch(s, raw)
	}
}

// handleDisconnect removes the session from every room and the registry.
func (h *Handler) handleDisconnect(s *session.Session) {
	s.Close()
	left := h.rooms.LeaveAll(s)
	h.sm.Unregister(s)
	h.logger.Info("user disconnected",
		zap.Int64("user_id", s.UserID),
		zap.String("session_id", s.ID),
		zap.Int("rooms_left", left))
}
