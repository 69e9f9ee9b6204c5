// Package sse serves a read-only event stream of a club room for clients
// that cannot hold a WebSocket, plus operator announcements.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
	"go.uber.org/zap"
)

// AnnounceChannel carries operator announcements to every stream.
const AnnounceChannel = "announce"

const keepaliveInterval = 30 * time.Second

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub   cache.PubSub
	c        cache.Cache
	identity store.IdentityStore
	sec      config.SecurityConfig
	logger   *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, c cache.Cache, identity store.IdentityStore, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, identity: identity, sec: sec, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>&clubId=<id>.
// Room events of the club are forwarded with the packet type as the event
// name. Only club members may subscribe.
func (h *Handler) ServeSSE(c *gin.Context) {
	claims, err := mw.Authenticate(c.Request.Context(), h.sec, h.c, c.Query("token"))
	if err != nil {
		c.JSON(mw.RejectStatus(err), gin.H{"error": mw.RejectMessage(err)})
		return
	}
	clubID, err := strconv.ParseInt(c.Query("clubId"), 10, 64)
	if err != nil || clubID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid clubId"})
		return
	}
	member, err := h.identity.IsClubMember(c.Request.Context(), clubID, claims.UserID)
	if err != nil {
		h.logger.Error("sse membership lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this club"})
		return
	}

	roomName := room.ClubRoom(clubID)
	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, room.Channel(roomName), AnnounceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.String("room", roomName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer unsub()

	// Set SSE headers.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"room\":%q}\n\n", roomName)
	c.Writer.Flush()
	h.logger.Info("sse stream opened", zap.Int64("user_id", claims.UserID), zap.String("room", roomName))

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			event, data := frame(msg)
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// frame turns a backplane message into an SSE event name and data line.
func frame(msg *cache.Message) (string, string) {
	if msg.Channel == AnnounceChannel {
		return "announce", msg.Payload
	}
	var pkt session.Packet
	if err := json.Unmarshal([]byte(msg.Payload), &pkt); err != nil || pkt.Type == "" {
		return "message", msg.Payload
	}
	return pkt.Type, string(pkt.Payload)
}

// Announce publishes an announcement message to all SSE subscribers.
func (h *Handler) Announce(ctx context.Context, message string) error {
	if message == "" {
		return errors.New("empty announcement")
	}
	b, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	return h.pubsub.Publish(ctx, AnnounceChannel, string(b))
}
