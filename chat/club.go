package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/shelfmates/server/apperr"
	"github.com/shelfmates/server/audit"
	"github.com/shelfmates/server/config"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/plugin/hook"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
	"go.uber.org/zap"
)

// SystemMessage is the payload of a systemMessage event.
type SystemMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ClubChannel handles club room joins, sends and history reads.
type ClubChannel struct {
	identity  store.IdentityStore
	messages  store.MessageStore
	rooms     Rooms
	sanitizer *Sanitizer
	cfg       config.ChatConfig
	auditor   Auditor
	hooks     *hook.Center
	logger    *zap.Logger
}

// NewClubChannel creates a ClubChannel. auditor may be nil.
func NewClubChannel(
	identity store.IdentityStore,
	messages store.MessageStore,
	rooms Rooms,
	cfg config.ChatConfig,
	auditor Auditor,
	logger *zap.Logger,
) *ClubChannel {
	return &ClubChannel{
		identity:  identity,
		messages:  messages,
		rooms:     rooms,
		sanitizer: NewSanitizer(cfg.MaxContentLen),
		cfg:       cfg,
		auditor:   auditorOrNop(auditor),
		logger:    logger,
	}
}

// requireMember returns nil when userID belongs to the club, not_found when
// the club does not exist, and forbidden otherwise.
func (c *ClubChannel) requireMember(ctx context.Context, clubID, userID int64) error {
	ok, err := c.identity.IsClubMember(ctx, clubID, userID)
	if err != nil {
		return apperr.Store(err)
	}
	if ok {
		return nil
	}
	if _, err := c.identity.GetClub(ctx, clubID); err != nil {
		return lookup(err, "club")
	}
	return apperr.Forbidden("not a member of this club")
}

// Join subscribes s to the club room and announces the arrival to the room.
// Joining a room the session is already in is acknowledged without a second
// announcement.
func (c *ClubChannel) Join(ctx context.Context, s *session.Session, clubID int64) error {
	if clubID <= 0 {
		return apperr.Validation("clubId is required")
	}
	if err := c.requireMember(ctx, clubID, s.UserID); err != nil {
		return err
	}
	name := room.ClubRoom(clubID)
	added, err := c.rooms.Join(s, name)
	if err != nil {
		return apperr.Wrap(err, apperr.KindStore, "join failed")
	}
	if !added {
		return nil
	}
	c.logger.Info("joined club room",
		zap.Int64("user_id", s.UserID),
		zap.Int64("club_id", clubID),
		zap.String("trace_id", audit.TraceFromContext(ctx)))

	pkt, err := session.NewPacket(EventSystemMessage, 0, SystemMessage{
		Type:      "join",
		Message:   fmt.Sprintf("%s joined the chat", s.UserName),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return apperr.Store(err)
	}
	if err := c.rooms.Emit(ctx, name, pkt); err != nil {
		c.logger.Warn("join notice not delivered", zap.String("room", name), zap.Error(err))
	}
	return nil
}

// Leave removes s from the club room. Leaving a room never joined succeeds.
func (c *ClubChannel) Leave(s *session.Session, clubID int64) error {
	if clubID <= 0 {
		return apperr.Validation("clubId is required")
	}
	c.rooms.Leave(s, room.ClubRoom(clubID))
	return nil
}

// SetHooks installs pre-send filters. Call before serving traffic.
func (c *ClubChannel) SetHooks(h *hook.Center) {
	c.hooks = h
}

// Send persists a club message from senderID and then broadcasts it to the
// club room. Nothing is broadcast unless the write succeeded.
func (c *ClubChannel) Send(ctx context.Context, senderID, clubID int64, content string) (*model.ClubMessage, error) {
	start := time.Now()
	msg, err := c.send(ctx, senderID, clubID, content)

	entry := audit.Entry{
		UserID:     userRef(senderID),
		Target:     room.ClubRoom(clubID),
		Request:    map[string]interface{}{"clubId": clubID, "length": len(content)},
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		entry.Action = audit.ActionClubMessageRejected
		entry.Error = err.Error()
		c.logger.Info("club message rejected",
			zap.Int64("user_id", senderID),
			zap.Int64("club_id", clubID),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
	} else {
		entry.Action = audit.ActionClubMessageSent
		entry.Response = map[string]int64{"id": msg.ID}
	}
	c.auditor.Record(ctx, entry)
	return msg, err
}

func (c *ClubChannel) send(ctx context.Context, senderID, clubID int64, content string) (*model.ClubMessage, error) {
	if senderID <= 0 {
		return nil, apperr.New(apperr.KindUnauthorized, "not authenticated")
	}
	if clubID <= 0 {
		return nil, apperr.Validation("clubId is required")
	}
	text, err := c.sanitizer.Clean(content)
	if err != nil {
		return nil, err
	}
	if err := c.requireMember(ctx, clubID, senderID); err != nil {
		return nil, err
	}
	text, err = screen(ctx, c.hooks, c.sanitizer, hook.BeforeClubSend, &hook.Draft{
		Room:     room.ClubRoom(clubID),
		SenderID: senderID,
		Content:  text,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := commitContext(ctx)
	defer cancel()

	msg, err := c.messages.AppendClubMessage(ctx, clubID, senderID, text)
	if err != nil {
		c.logger.Error("club message persist failed",
			zap.Int64("user_id", senderID),
			zap.Int64("club_id", clubID),
			zap.Error(err))
		return nil, apperr.Store(err)
	}

	pkt, err := session.NewPacket(EventNewMessage, 0, msg)
	if err != nil {
		return nil, apperr.Store(err)
	}
	// The message is durable at this point; a failed emit is recovered by history.
	if err := c.rooms.Emit(ctx, room.ClubRoom(clubID), pkt); err != nil {
		c.logger.Error("club message broadcast failed",
			zap.Int64("message_id", msg.ID),
			zap.Int64("club_id", clubID),
			zap.Error(err))
	}
	return msg, nil
}

// NormalizeLimit applies the history default and cap.
func (c *ClubChannel) NormalizeLimit(limit int) int {
	if limit <= 0 {
		return c.cfg.HistoryDefaultLimit
	}
	if limit > c.cfg.HistoryMaxLimit {
		return c.cfg.HistoryMaxLimit
	}
	return limit
}

// History returns up to limit club messages created before the cursor, in
// chronological order. A zero before means now. Only members may read.
func (c *ClubChannel) History(ctx context.Context, userID, clubID int64, before time.Time, limit int) ([]model.ClubMessage, error) {
	if clubID <= 0 {
		return nil, apperr.Validation("invalid club id")
	}
	if err := c.requireMember(ctx, clubID, userID); err != nil {
		return nil, err
	}
	if before.IsZero() {
		before = time.Now()
	}
	msgs, err := c.messages.ClubHistory(ctx, clubID, before, c.NormalizeLimit(limit))
	if err != nil {
		return nil, apperr.Store(err)
	}
	return msgs, nil
}
