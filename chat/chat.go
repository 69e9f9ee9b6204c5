// Package chat implements the message paths of the real-time core: club
// rooms, direct messages and the conversation resolver. Every operation
// returns a persisted record or an *apperr.Error; transports turn that into
// a Result.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/shelfmates/server/apperr"
	"github.com/shelfmates/server/audit"
	"github.com/shelfmates/server/plugin/hook"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
)

// Server-to-client events.
const (
	EventNewMessage    = "newMessage"
	EventSystemMessage = "systemMessage"
	EventReceiveDM     = "receive_dm"
)

// commitTimeout bounds the persist and broadcast stage of a send.
const commitTimeout = 10 * time.Second

// commitContext detaches the persist and broadcast stage from ctx. Once a
// send has passed validation its message is stored and emitted even if the
// sender disconnects meanwhile.
func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

// Rooms is the part of the room router the channels need.
type Rooms interface {
	Join(s *session.Session, name string) (bool, error)
	Leave(s *session.Session, name string) bool
	Emit(ctx context.Context, name string, pkt *session.Packet) error
}

// Auditor records message-path decisions.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Entry) {}

func auditorOrNop(a Auditor) Auditor {
	if a == nil {
		return nopAuditor{}
	}
	return a
}

// Result is the acknowledgement returned for every client intent.
type Result struct {
	OK      bool        `json:"ok"`
	Kind    apperr.Kind `json:"kind,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message interface{} `json:"message,omitempty"`
}

// Success acknowledges an intent, optionally carrying the persisted message.
func Success(message interface{}) Result {
	return Result{OK: true, Message: message}
}

// Failure acknowledges a rejected intent.
func Failure(err error) Result {
	e := apperr.As(err)
	if e == nil {
		return Result{OK: true}
	}
	return Result{OK: false, Kind: e.Kind, Error: e.Message}
}

// Ack turns the outcome of an operation into a Result.
func Ack(message interface{}, err error) Result {
	if err != nil {
		return Failure(err)
	}
	return Success(message)
}

// lookup maps a store read failure to not_found or store.
func lookup(err error, what string) *apperr.Error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(what + " not found")
	}
	return apperr.Store(err)
}

func userRef(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

// screen runs the pre-send filters for event and cleans whatever they leave.
func screen(ctx context.Context, hooks *hook.Center, san *Sanitizer, event string, d *hook.Draft) (string, error) {
	if hooks == nil {
		return d.Content, nil
	}
	if err := hooks.Run(ctx, event, d); err != nil {
		if errors.Is(err, hook.ErrRejected) {
			return "", apperr.Wrap(err, apperr.KindValidation, "message rejected by content filter")
		}
		return "", apperr.Store(err)
	}
	return san.Clean(d.Content)
}
