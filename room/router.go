// Package room routes packets to named groups of live sessions. With a
// backplane every emit is published on "room:<name>" and each instance
// delivers to its own members, so rooms span server instances.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/session"
	"go.uber.org/zap"
)

const channelPrefix = "room:"

// ClubRoom names the room of a book club.
func ClubRoom(clubID int64) string {
	return fmt.Sprintf("club:%d", clubID)
}

// DMRoom names the room of a direct-message conversation.
func DMRoom(conversationID string) string {
	return "dm:" + conversationID
}

// Channel is the backplane channel carrying the emits of a room.
func Channel(roomName string) string {
	return channelPrefix + roomName
}

// subscribeTimeout bounds the backplane round trip that opens a room.
const subscribeTimeout = 5 * time.Second

type room struct {
	name    string
	members map[*session.Session]struct{}
	unsub   func()
	// ready is closed once the backplane subscription is settled; err is
	// set before that when it failed.
	ready chan struct{}
	err   error
}

// Router maps room names to joined sessions.
type Router struct {
	mu     sync.Mutex
	rooms  map[string]*room
	joined map[*session.Session]map[string]struct{}
	pubsub cache.PubSub
	logger *zap.Logger
}

// NewRouter creates a Router. A nil pubsub delivers emits in-process only.
func NewRouter(pubsub cache.PubSub, logger *zap.Logger) *Router {
	return &Router{
		rooms:  make(map[string]*room),
		joined: make(map[*session.Session]map[string]struct{}),
		pubsub: pubsub,
		logger: logger,
	}
}

// Join adds s to the named room. Joining twice is a no-op. It reports whether
// s was newly added. The backplane subscription for a new room is made
// without holding the router lock, so other rooms keep flowing meanwhile.
func (r *Router) Join(s *session.Session, name string) (bool, error) {
	for {
		rm, err := r.open(name)
		if err != nil {
			return false, err
		}

		r.mu.Lock()
		if r.rooms[name] != rm {
			// Destroyed while we waited; open a fresh one.
			r.mu.Unlock()
			continue
		}
		if _, already := rm.members[s]; already {
			r.mu.Unlock()
			return false, nil
		}
		rm.members[s] = struct{}{}
		rooms, ok := r.joined[s]
		if !ok {
			rooms = make(map[string]struct{})
			r.joined[s] = rooms
		}
		rooms[name] = struct{}{}
		r.mu.Unlock()
		return true, nil
	}
}

// open returns the named room once its subscription is live, creating it if
// needed. Concurrent callers for a room being opened wait on the same attempt.
func (r *Router) open(name string) (*room, error) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if ok {
		r.mu.Unlock()
		<-rm.ready
		return rm, rm.err
	}
	rm = &room{name: name, members: make(map[*session.Session]struct{}), ready: make(chan struct{})}
	r.rooms[name] = rm
	r.mu.Unlock()

	rm.err = r.subscribe(rm)

	r.mu.Lock()
	orphaned := r.rooms[name] != rm
	if rm.err != nil && !orphaned {
		delete(r.rooms, name)
	}
	// Closed under the lock: destroyLocked only unsubscribes ready rooms.
	close(rm.ready)
	r.mu.Unlock()
	if orphaned && rm.unsub != nil {
		rm.unsub()
	}

	if rm.err == nil {
		r.logger.Debug("room created", zap.String("room", name))
	}
	return rm, rm.err
}

func (r *Router) subscribe(rm *room) error {
	if r.pubsub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	ch, unsub, err := r.pubsub.Subscribe(ctx, Channel(rm.name))
	if err != nil {
		return fmt.Errorf("room %s: subscribe: %w", rm.name, err)
	}
	rm.unsub = unsub
	go r.relay(rm.name, ch)
	return nil
}

// Leave removes s from the named room, destroying the room when it empties.
func (r *Router) Leave(s *session.Session, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(s, name)
}

func (r *Router) leaveLocked(s *session.Session, name string) bool {
	rm, ok := r.rooms[name]
	if !ok {
		return false
	}
	if _, member := rm.members[s]; !member {
		return false
	}
	delete(rm.members, s)
	if rooms, ok := r.joined[s]; ok {
		delete(rooms, name)
		if len(rooms) == 0 {
			delete(r.joined, s)
		}
	}
	if len(rm.members) == 0 {
		r.destroyLocked(rm)
	}
	return true
}

func (r *Router) destroyLocked(rm *room) {
	delete(r.rooms, rm.name)
	select {
	case <-rm.ready:
		if rm.unsub != nil {
			rm.unsub()
		}
	default:
		// Still opening; open sees the room orphaned and unsubscribes.
	}
	r.logger.Debug("room destroyed", zap.String("room", rm.name))
}

// LeaveAll removes s from every room it joined. Called on disconnect.
func (r *Router) LeaveAll(s *session.Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.joined[s]))
	for name := range r.joined[s] {
		names = append(names, name)
	}
	for _, name := range names {
		r.leaveLocked(s, name)
	}
	return len(names)
}

// Emit delivers pkt to every session joined to the room, on every instance.
// The sender's own sessions are included.
func (r *Router) Emit(ctx context.Context, name string, pkt *session.Packet) error {
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("room %s: encode %s: %w", name, pkt.Type, err)
	}
	if r.pubsub != nil {
		if err := r.pubsub.Publish(ctx, Channel(name), string(data)); err != nil {
			return fmt.Errorf("room %s: publish: %w", name, err)
		}
		return nil
	}
	r.deliver(name, data)
	return nil
}

// relay forwards backplane messages for one room until its subscription is cancelled.
func (r *Router) relay(name string, ch <-chan *cache.Message) {
	for msg := range ch {
		r.deliver(name, []byte(msg.Payload))
	}
}

func (r *Router) deliver(name string, data []byte) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := make([]*session.Session, 0, len(rm.members))
	for s := range rm.members {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if !s.SendRaw(data) && !s.IsClosed() {
			r.logger.Warn("room delivery dropped for slow session",
				zap.String("room", name),
				zap.String("session_id", s.ID),
				zap.Int64("user_id", s.UserID))
		}
	}
}

// IsMember reports whether s is joined to the room.
func (r *Router) IsMember(s *session.Session, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return false
	}
	_, member := rm.members[s]
	return member
}

// Members returns the number of local sessions in the room.
func (r *Router) Members(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return len(rm.members)
	}
	return 0
}

// Rooms returns a snapshot of room name → local member count.
func (r *Router) Rooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.rooms))
	for name, rm := range r.rooms {
		if len(rm.members) > 0 {
			out[name] = len(rm.members)
		}
	}
	return out
}

// Sweep drops closed sessions from every room and destroys rooms left empty.
// It returns the number of memberships removed.
func (r *Router) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for s := range r.joined {
		if !s.IsClosed() {
			continue
		}
		for name := range r.joined[s] {
			if r.leaveLocked(s, name) {
				removed++
			}
		}
	}
	return removed
}

// Close destroys every room and cancels all backplane subscriptions.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		r.destroyLocked(rm)
	}
	r.joined = make(map[*session.Session]map[string]struct{})
}
