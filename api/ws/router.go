package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shelfmates/server/apperr"
	"github.com/shelfmates/server/audit"
	"github.com/shelfmates/server/chat"
	"github.com/shelfmates/server/session"
	"go.uber.org/zap"
)

// EventAck is the type of the reply sent for every acknowledged intent.
const EventAck = "ack"

// HandlerFunc processes a decoded WS message payload. The returned value is
// carried in a successful ack; an error becomes a failed ack.
type HandlerFunc func(ctx context.Context, s *session.Session, payload json.RawMessage) (interface{}, error)

type route struct {
	fn    HandlerFunc
	quiet bool
}

// Router dispatches incoming WS packets to registered handlers. Each packet
// runs on its own goroutine, bounded by the session's in-flight limit.
type Router struct {
	handlers map[string]route
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]route),
		logger:   logger,
	}
}

// On registers an acknowledged HandlerFunc for the given message type.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = route{fn: fn}
}

// OnQuiet registers a handler whose outcome is not acknowledged. The handler
// replies on its own if it needs to.
func (r *Router) OnQuiet(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = route{fn: fn, quiet: true}
}

// Dispatch decodes raw bytes, validates seq, and starts the handler. It must
// be called from the session's read pump only.
func (r *Router) Dispatch(s *session.Session, raw []byte) {
	var pkt session.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet",
			zap.Int64("user_id", s.UserID),
			zap.Error(err))
		return
	}

	// Monotonic seq check (anti-replay). Seq == 0 means no seq tracking.
	if pkt.Seq != 0 && pkt.Seq <= s.LastSeq {
		r.logger.Warn("replayed or out-of-order packet",
			zap.Int64("user_id", s.UserID),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", s.LastSeq))
		return
	}
	if pkt.Seq != 0 {
		s.LastSeq = pkt.Seq
	}

	rt, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", s.UserID))
		r.ack(s, pkt.Seq, chat.Failure(apperr.Validation("unknown event "+pkt.Type)))
		return
	}

	if !s.Acquire() {
		return
	}
	go func() {
		defer s.Release()
		r.run(s, pkt, rt)
	}()
}

func (r *Router) run(s *session.Session, pkt session.Packet, rt route) {
	traceID := uuid.NewString()
	ctx := audit.WithTrace(s.Context(), traceID)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("ws handler panicked",
				zap.String("type", pkt.Type),
				zap.Int64("user_id", s.UserID),
				zap.String("trace_id", traceID),
				zap.Any("recover", rec),
				zap.Stack("stack"))
			if !rt.quiet {
				r.ack(s, pkt.Seq, chat.Failure(apperr.Store(fmt.Errorf("internal error"))))
			}
		}
	}()

	result, err := rt.fn(ctx, s, pkt.Payload)
	if err != nil && !apperr.Is(err, apperr.KindValidation) {
		r.logger.Debug("handler rejected intent",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", s.UserID),
			zap.String("trace_id", traceID),
			zap.Error(err))
	}
	if rt.quiet {
		return
	}
	r.ack(s, pkt.Seq, chat.Ack(result, err))
}

func (r *Router) ack(s *session.Session, seq uint64, res chat.Result) {
	pkt, err := session.NewPacket(EventAck, seq, res)
	if err != nil {
		r.logger.Error("encode ack", zap.Error(err))
		return
	}
	s.Send(pkt)
}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	return audit.TraceFromContext(ctx)
}
