package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shelfmates/server/cache"
	"go.uber.org/zap"
)

// PresenceKey is the cache set holding ids of users with at least one live
// connection.
const PresenceKey = "presence:online"

// Manager maintains the registry of live sessions. A user may hold several
// sessions at once (one per device or tab).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session           // session id → session
	byUser   map[int64]map[string]*Session // user id → session id → session
	cache    cache.Cache
	logger   *zap.Logger
}

// NewManager creates a new Manager. c may be nil to skip presence tracking.
func NewManager(c cache.Cache, logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]map[string]*Session),
		cache:    c,
		logger:   logger,
	}
}

// Register adds a session.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	userSessions, ok := m.byUser[s.UserID]
	if !ok {
		userSessions = make(map[string]*Session)
		m.byUser[s.UserID] = userSessions
	}
	userSessions[s.ID] = s
	first := len(userSessions) == 1
	m.mu.Unlock()

	if first {
		m.setPresence(s.UserID, true)
	}
	m.logger.Info("session registered",
		zap.String("session_id", s.ID),
		zap.Int64("user_id", s.UserID))
}

// Unregister removes a session. It is a no-op for unknown sessions.
func (m *Manager) Unregister(s *Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	last := false
	if userSessions, ok := m.byUser[s.UserID]; ok {
		delete(userSessions, s.ID)
		if len(userSessions) == 0 {
			delete(m.byUser, s.UserID)
			last = true
		}
	}
	m.mu.Unlock()

	if last {
		m.setPresence(s.UserID, false)
	}
	m.logger.Info("session unregistered",
		zap.String("session_id", s.ID),
		zap.Int64("user_id", s.UserID))
}

func (m *Manager) setPresence(userID int64, online bool) {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	member := strconv.FormatInt(userID, 10)
	var err error
	if online {
		err = m.cache.SAdd(ctx, PresenceKey, member)
	} else {
		err = m.cache.SRem(ctx, PresenceKey, member)
	}
	if err != nil {
		m.logger.Warn("presence update failed",
			zap.Int64("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err))
	}
}

// Get returns the session with the given id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// ForUser returns a snapshot of the user's sessions on this instance.
func (m *Manager) ForUser(userID int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has a session on this instance.
func (m *Manager) IsOnline(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UserCount returns the number of distinct connected users.
func (m *Manager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

// All returns a snapshot slice of all current sessions.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// OnlineUsers returns the cluster-wide presence set from the cache.
func (m *Manager) OnlineUsers(ctx context.Context) ([]int64, error) {
	if m.cache == nil {
		return nil, nil
	}
	members, err := m.cache.SMembers(ctx, PresenceKey)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, v := range members {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// CloseUser closes every session of the user and returns how many were closed.
func (m *Manager) CloseUser(userID int64) int {
	sessions := m.ForUser(userID)
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// Sweep unregisters sessions that closed without a clean disconnect and
// returns how many were removed.
func (m *Manager) Sweep() int {
	var stale []*Session
	for _, s := range m.All() {
		if s.IsClosed() {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		m.Unregister(s)
	}
	return len(stale)
}

// CloseAllSessions gracefully closes all connected sessions, waiting up to
// maxWait for their read pumps to unregister them.
func (m *Manager) CloseAllSessions(maxWait time.Duration) {
	sessions := m.All()
	m.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	start := time.Now()
	for time.Since(start) < maxWait {
		if m.Count() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
