package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadlineS = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPacket encodes payload into a Packet of the given type.
func NewPacket(msgType string, seq uint64, payload interface{}) (*Packet, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Packet{Seq: seq, Type: msgType, Payload: raw}, nil
}

// Limits bounds what a single connection may do.
type Limits struct {
	SendRPS     float64
	SendBurst   int
	MaxInflight int
}

// Session is one authenticated WebSocket connection. The user id is bound at
// the gate and never changes.
type Session struct {
	ID       string
	UserID   int64
	UserName string
	Conn     *websocket.Conn

	SendChan chan []byte
	Done     chan struct{}
	LastSeq  uint64 // touched only by the read pump

	limiter  *rate.Limiter
	inflight chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	logger   *zap.Logger
}

// New creates a Session. When conn is non-nil the write pump is started.
func New(userID int64, userName string, conn *websocket.Conn, limits Limits, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		UserName: userName,
		Conn:     conn,
		SendChan: make(chan []byte, sendChanBuf),
		Done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(zap.Int64("user_id", userID)),
	}
	if limits.SendRPS > 0 {
		burst := limits.SendBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(limits.SendRPS), burst)
	}
	if limits.MaxInflight > 0 {
		s.inflight = make(chan struct{}, limits.MaxInflight)
	}
	if conn != nil {
		go s.writePump()
	}
	return s
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data := <-s.SendChan:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.Done:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and queues it without blocking. It reports false when the
// packet was dropped because the session is closed or its buffer is full.
func (s *Session) Send(pkt *Packet) bool {
	if s.IsClosed() {
		return false
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		s.logger.Error("failed to marshal packet", zap.String("type", pkt.Type), zap.Error(err))
		return false
	}
	return s.enqueue(data, pkt.Type)
}

// SendRaw queues pre-encoded bytes without blocking.
func (s *Session) SendRaw(data []byte) bool {
	if s.IsClosed() {
		return false
	}
	return s.enqueue(data, "")
}

func (s *Session) enqueue(data []byte, msgType string) bool {
	select {
	case s.SendChan <- data:
		return true
	case <-s.Done:
		return false
	default:
		if !s.IsClosed() {
			s.logger.Warn("send channel full, dropping packet",
				zap.String("session_id", s.ID),
				zap.String("type", msgType))
		}
		return false
	}
}

// Close signals the write pump to shut down and cancels the session context.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.Done)
		s.cancel()
	})
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// AllowSend consumes one token from the per-connection send bucket.
func (s *Session) AllowSend() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Acquire takes an in-flight slot, blocking until one frees up or the
// session closes. It reports false if the session closed first.
func (s *Session) Acquire() bool {
	if s.inflight == nil {
		return !s.IsClosed()
	}
	select {
	case s.inflight <- struct{}{}:
		return true
	case <-s.Done:
		return false
	}
}

// Release frees a slot taken by Acquire.
func (s *Session) Release() {
	if s.inflight == nil {
		return
	}
	select {
	case <-s.inflight:
	default:
	}
}

// SendHeartbeatPong sends a pong packet in response to a client ping.
func (s *Session) SendHeartbeatPong(seq uint64, clientTS int64) {
	type pongPayload struct {
		ClientTS int64 `json:"client_ts"`
		ServerTS int64 `json:"server_ts"`
	}
	pkt, _ := NewPacket("pong", seq, pongPayload{
		ClientTS: clientTS,
		ServerTS: time.Now().UnixMilli(),
	})
	s.Send(pkt)
}

// SetReadDeadline resets the WebSocket read deadline to 60 s from now.
func (s *Session) SetReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadlineS))
}
