package chat

import (
	"context"
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

// DirectSend is a send_dm intent. SenderID is optional; when set it must
// match the identity bound to the connection.
type DirectSend struct {
	ConversationID string `json:"conversationId"`
	SenderID       int64  `json:"senderId,omitempty"`
	Content        string `json:"content"`
}

// DirectChannel handles direct-message rooms and sends between friends.
type DirectChannel struct {
	identity      store.IdentityStore
	messages      store.MessageStore
	conversations store.ConversationStore
	rooms         Rooms
	sanitizer     *Sanitizer
	auditor       Auditor
	hooks         *hook.Center
	logger        *zap.Logger
}

// NewDirectChannel creates a DirectChannel. auditor may be nil.
func NewDirectChannel(
	identity store.IdentityStore,
	messages store.MessageStore,
	conversations store.ConversationStore,
	rooms Rooms,
	cfg config.ChatConfig,
	auditor Auditor,
	logger *zap.Logger,
) *DirectChannel {
	return &DirectChannel{
		identity:      identity,
		messages:      messages,
		conversations: conversations,
		rooms:         rooms,
		sanitizer:     NewSanitizer(cfg.MaxContentLen),
		auditor:       auditorOrNop(auditor),
		logger:        logger,
	}
}

// participant loads the conversation and checks userID takes part in it.
func (d *DirectChannel) participant(ctx context.Context, conversationID string, userID int64) (*model.Conversation, error) {
	conv, err := d.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, lookup(err, "conversation")
	}
	if !conv.Has(userID) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// JoinDM subscribes s to the conversation room. Only participants may join.
func (d *DirectChannel) JoinDM(ctx context.Context, s *session.Session, conversationID string) error {
	if conversationID == "" {
		return apperr.Validation("conversationId is required")
	}
	if _, err := d.participant(ctx, conversationID, s.UserID); err != nil {
		return err
	}
	if _, err := d.rooms.Join(s, room.DMRoom(conversationID)); err != nil {
		return apperr.Wrap(err, apperr.KindStore, "join failed")
	}
	return nil
}

// LeaveDM removes s from the conversation room.
func (d *DirectChannel) LeaveDM(s *session.Session, conversationID string) error {
	if conversationID == "" {
		return apperr.Validation("conversationId is required")
	}
	d.rooms.Leave(s, room.DMRoom(conversationID))
	return nil
}

// SetHooks installs pre-send filters. Call before serving traffic.
func (d *DirectChannel) SetHooks(h *hook.Center) {
	d.hooks = h
}

// Send delivers a direct message from boundID. The message is persisted and
// broadcast only when both participants are accepted friends.
func (d *DirectChannel) Send(ctx context.Context, boundID int64, req DirectSend) (*model.DirectMessage, error) {
	start := time.Now()
	msg, err := d.send(ctx, boundID, req)

	entry := audit.Entry{
		UserID:     userRef(boundID),
		Target:     room.DMRoom(req.ConversationID),
		Request:    map[string]interface{}{"conversationId": req.ConversationID, "senderId": req.SenderID, "length": len(req.Content)},
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		entry.Action = audit.ActionDMRejected
		entry.Error = err.Error()
		d.logger.Info("direct message rejected",
			zap.Int64("user_id", boundID),
			zap.String("conversation_id", req.ConversationID),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
	} else {
		entry.Action = audit.ActionDMSent
		entry.Response = map[string]int64{"id": msg.ID, "receiverId": msg.ReceiverID}
	}
	d.auditor.Record(ctx, entry)
	return msg, err
}

func (d *DirectChannel) send(ctx context.Context, boundID int64, req DirectSend) (*model.DirectMessage, error) {
	if boundID <= 0 {
		return nil, apperr.New(apperr.KindUnauthorized, "not authenticated")
	}
	if req.ConversationID == "" {
		return nil, apperr.Validation("conversationId is required")
	}
	if req.SenderID < 0 {
		return nil, apperr.Validation("invalid senderId")
	}
	if req.SenderID != 0 && req.SenderID != boundID {
		return nil, apperr.Forbidden("senderId does not match the connection")
	}
	text, err := d.sanitizer.Clean(req.Content)
	if err != nil {
		return nil, err
	}

	conv, err := d.participant(ctx, req.ConversationID, boundID)
	if err != nil {
		return nil, err
	}
	receiverID := conv.Other(boundID)

	friends, err := d.identity.AreFriends(ctx, boundID, receiverID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	if !friends {
		return nil, apperr.New(apperr.KindNotFriends, "you can only message friends")
	}
	text, err = screen(ctx, d.hooks, d.sanitizer, hook.BeforeDirectSend, &hook.Draft{
		Room:     room.DMRoom(conv.ID),
		SenderID: boundID,
		Content:  text,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := commitContext(ctx)
	defer cancel()

	msg, err := d.messages.AppendDirectMessage(ctx, conv.ID, boundID, receiverID, text)
	if err != nil {
		d.logger.Error("direct message persist failed",
			zap.Int64("user_id", boundID),
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		return nil, apperr.Store(err)
	}

	pkt, err := session.NewPacket(EventReceiveDM, 0, msg)
	if err != nil {
		return nil, apperr.Store(err)
	}
	if err := d.rooms.Emit(ctx, room.DMRoom(conv.ID), pkt); err != nil {
		d.logger.Error("direct message broadcast failed",
			zap.Int64("message_id", msg.ID),
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
	}
	return msg, nil
}

// Messages returns the conversation's messages in chronological order.
// Only participants may read.
func (d *DirectChannel) Messages(ctx context.Context, userID int64, conversationID string) ([]model.DirectMessage, error) {
	if conversationID == "" {
		return nil, apperr.Validation("conversationId is required")
	}
	if _, err := d.participant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := d.messages.ConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	return msgs, nil
}
