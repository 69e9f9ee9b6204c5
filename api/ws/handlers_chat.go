package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/shelfmates/server/apperr"
	"github.com/shelfmates/server/chat"
	"github.com/shelfmates/server/session"
	"go.uber.org/zap"
)

// Client-to-server events.
const (
	EventJoinClub    = "joinClub"
	EventLeaveClub   = "leaveClub"
	EventSendMessage = "sendMessage"
	EventJoinDM      = "join_dm"
	EventLeaveDM     = "leave_dm"
	EventSendDM      = "send_dm"
	EventPing        = "ping"
)

// ChatHandlers bundles the dependencies of the chat WS message handlers.
type ChatHandlers struct {
	club   *chat.ClubChannel
	direct *chat.DirectChannel
	logger *zap.Logger
}

// NewChatHandlers creates a new ChatHandlers.
func NewChatHandlers(club *chat.ClubChannel, direct *chat.DirectChannel, logger *zap.Logger) *ChatHandlers {
	return &ChatHandlers{club: club, direct: direct, logger: logger}
}

// RegisterHandlers registers all chat handlers on the given Router.
func (ch *ChatHandlers) RegisterHandlers(r *Router) {
	r.OnQuiet(EventPing, ch.HandlePing)
	r.On(EventJoinClub, ch.HandleJoinClub)
	r.On(EventLeaveClub, ch.HandleLeaveClub)
	r.On(EventSendMessage, ch.HandleSendMessage)
	r.On(EventJoinDM, ch.HandleJoinDM)
	r.On(EventLeaveDM, ch.HandleLeaveDM)
	r.On(EventSendDM, ch.HandleSendDM)
}

// flexID accepts an id sent either as a JSON number or a numeric string.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexID(n)
	return nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperr.Validation("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "malformed payload")
	}
	return nil
}

// ------------------------------------------------------------------ ping

type pingPayload struct {
	TS int64 `json:"ts"`
}

// HandlePing responds to client heartbeat pings.
func (ch *ChatHandlers) HandlePing(_ context.Context, s *session.Session, raw json.RawMessage) (interface{}, error) {
	var p pingPayload
	_ = json.Unmarshal(raw, &p)
	s.SendHeartbeatPong(0, p.TS)
	return nil, nil
}

// ------------------------------------------------------------------ club

type clubReq struct {
	ClubID  flexID `json:"clubId"`
	Content string `json:"content"`
}

// HandleJoinClub joins the club room after the membership check.
func (ch *ChatHandlers) HandleJoinClub(ctx context.Context, s *session.Session, raw json.RawMessage) (interface{}, error) {
	var req clubReq
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return nil, ch.club.Join(ctx, s, int64(req.ClubID))
}

// HandleLeaveClub leaves the club room.
func (ch *ChatHandlers) HandleLeaveClub(_ context.Context, s *session.Session, raw json.RawMessage) (interface{}, error) {
	var req clubReq
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return nil, ch.club.Leave(s, int64(req.ClubID))
}

// HandleSendMessage posts a club message as the connection's user.
func (ch *ChatHandlers) HandleSendMessage(ctx context.Context, s *session.Session, raw json.RawMessage) (interface{}, error) {
	var req clubReq
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if !s.AllowSend() {
		return nil, apperr.New(apperr.KindRateLimited, "sending too fast")
	}
	msg, err := ch.club.Send(ctx, s.UserID, int64(req.ClubID), req.Content)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ------------------------------------------------------------------ direct messages

type dmReq struct {
	ConversationID string `json:"conversationId"`
	SenderID       flexID `json:"senderId"`
	Content        string `json:"content"`
}

// HandleJoinDM joins the conversation room after the participant check.
func (ch *ChatHandlers) HandleJoinDM(ctx context.Context, s *session.Session, raw json.RawMessage) (interface{}, error) {
	var req dmReq
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return nil, ch.direct.JoinDM(ctx, s, req.ConversationID)
}

// HandleLeaveDM leaves the conversation room.
func (ch *ChatHandlers) HandleLeaveDM(_ context.Context, s *session.Session, raw json.RawMessage) (interface{}, error) {
	var req dmReq
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return nil, ch.direct.LeaveDM(s, req.ConversationID)
}

// HandleSendDM sends a direct message as the connection's user.
func (ch *ChatHandlers) HandleSendDM(ctx context.Context, s *session.Session, raw json.RawMessage) (interface{}, error) {
	var req dmReq
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if !s.AllowSend() {
		return nil, apperr.New(apperr.KindRateLimited, "sending too fast")
	}
	msg, err := ch.direct.Send(ctx, s.UserID, chat.DirectSend{
		ConversationID: req.ConversationID,
		SenderID:       int64(req.SenderID),
		Content:        req.Content,
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
