// Package connmgr implements the Connection Manager: the authoritative
// index of every live session, keyed by session, user, workspace, agent,
// and subscribed topic, plus the heartbeat loop that evicts unresponsive
// sockets.
package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbus/core/internal/domain"
	"github.com/coder/websocket"
)

// Socket is the minimal transport surface the Connection Manager needs.
// *websocket.Conn satisfies it; tests use a fake.
type Socket interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session is one live, registered connection together with the
// bookkeeping the heartbeat loop and the topic index need.
type Session struct {
	ID          string
	UserID      string
	WorkspaceID string
	AgentID     string
	Socket      Socket

	mu             sync.Mutex
	topics         map[string]struct{}
	state          domain.SessionState
	connectedAt    time.Time
	lastPingSentAt time.Time
	lastPongAt     time.Time
}

func newSession(id, userID, workspaceID, agentID string, socket Socket) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		UserID:      userID,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Socket:      socket,
		topics:      make(map[string]struct{}),
		state:       domain.SessionConnected,
		connectedAt: now,
		lastPongAt:  now,
	}
}

// Info snapshots the session for introspection.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	return domain.SessionInfo{
		SessionID:          s.ID,
		UserID:             s.UserID,
		WorkspaceID:        s.WorkspaceID,
		AgentID:            s.AgentID,
		Subscriptions:      topics,
		State:              s.state,
		ConnectedAt:        s.connectedAt,
		LastPingSentAt:     s.lastPingSentAt,
		LastPongReceivedAt: s.lastPongAt,
	}
}

// HasTopic reports whether the session currently holds topic in its local
// subscription mirror.
func (s *Session) HasTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *Session) markPingSent() {
	s.mu.Lock()
	s.lastPingSentAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) markPong() {
	s.mu.Lock()
	s.lastPongAt = time.Now()
	s.mu.Unlock()
}

// isStale reports whether the session has gone timeout without any pong.
// The clock runs from lastPongAt, which registration seeds with the
// connect time: a client that never pongs still times out, while a
// session that has not been pinged yet is never evicted.
func (s *Session) isStale(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPingSentAt.IsZero() {
		return false
	}
	return time.Since(s.lastPongAt) > timeout
}

// Config controls heartbeat cadence.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// DefaultConfig returns the external-interfaces heartbeat defaults.
func DefaultConfig() Config {
	return Config{PingInterval: 30 * time.Second, PingTimeout: 60 * time.Second}
}

// Manager is the Connection Manager component: one primary index
// (sessions) plus four secondary indices (by_user, by_workspace, by_agent,
// by_topic).
type Manager struct {
	cfg Config

	mu          sync.RWMutex
	sessions    map[string]*Session
	byUser      map[string]map[string]struct{}
	byWorkspace map[string]map[string]struct{}
	byAgent     map[string]*Session
	byTopic     map[string]map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Connection Manager.
func New(cfg Config) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 60 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]map[string]struct{}),
		byWorkspace: make(map[string]map[string]struct{}),
		byAgent:     make(map[string]*Session),
		byTopic:     make(map[string]map[string]struct{}),
	}
}

// Register adds a new session to every index it qualifies for. Per the
// single-live-session-per-agent invariant, if agentID already has a live
// session, that prior session is evicted — closed and fully unindexed —
// before Register returns, so the caller is free to send its "connected"
// frame immediately afterward knowing no stale session for this agent
// remains reachable.
func (m *Manager) Register(id, userID, workspaceID, agentID string, socket Socket) *Session {
	s := newSession(id, userID, workspaceID, agentID, socket)

	var evicted *Session
	m.mu.Lock()
	if agentID != "" {
		if old, ok := m.byAgent[agentID]; ok {
			evicted = old
		}
	}
	m.mu.Unlock()

	if evicted != nil {
		m.Unregister(evicted.ID)
		_ = evicted.Socket.Close(websocket.StatusNormalClosure, "session replaced")
		slog.Info("connmgr: evicted stale session", "agent_id", agentID, "old_session_id", evicted.ID, "new_session_id", id)
	}

	m.mu.Lock()
	m.sessions[id] = s
	if userID != "" {
		set := m.byUser[userID]
		if set == nil {
			set = make(map[string]struct{})
			m.byUser[userID] = set
		}
		set[id] = struct{}{}
	}
	if workspaceID != "" {
		set := m.byWorkspace[workspaceID]
		if set == nil {
			set = make(map[string]struct{})
			m.byWorkspace[workspaceID] = set
		}
		set[id] = struct{}{}
	}
	if agentID != "" {
		m.byAgent[agentID] = s
	}
	m.mu.Unlock()

	slog.Info("connmgr: session registered", "session_id", id, "user_id", userID, "workspace_id", workspaceID, "agent_id", agentID)
	return s
}

// Unregister removes a session from every index and marks it disconnected.
// Closing the socket is the caller's responsibility.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	if set, ok := m.byUser[s.UserID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
	if set, ok := m.byWorkspace[s.WorkspaceID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byWorkspace, s.WorkspaceID)
		}
	}
	if s.AgentID != "" {
		if current, ok := m.byAgent[s.AgentID]; ok && current == s {
			delete(m.byAgent, s.AgentID)
		}
	}
	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.state = domain.SessionDisconnected
	s.mu.Unlock()
	for _, t := range topics {
		if set, ok := m.byTopic[t]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.byTopic, t)
			}
		}
	}
	m.mu.Unlock()
	slog.Info("connmgr: session unregistered", "session_id", sessionID)
}

// Get returns the session by id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// GetByAgent returns the single live session for agentID, or nil.
func (m *Manager) GetByAgent(agentID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byAgent[agentID]
}

// JoinTopic adds sessionID to the by_topic index for topic. The Session
// Handler calls this whenever a subscribe frame succeeds so broadcast
// delivery can forward by topic membership instead of relying solely on
// the PubSub Manager's own fan-out.
func (m *Manager) JoinTopic(sessionID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	set := m.byTopic[topic]
	if set == nil {
		set = make(map[string]struct{})
		m.byTopic[topic] = set
	}
	set[sessionID] = struct{}{}
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

// LeaveTopic removes sessionID from topic's index.
func (m *Manager) LeaveTopic(sessionID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if set, ok := m.byTopic[topic]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byTopic, topic)
		}
	}
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// SessionsForTopic returns the sessions currently joined to topic.
func (m *Manager) SessionsForTopic(topic string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byTopic[topic]
	out := make([]*Session, 0, len(set))
	for id := range set {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// SessionsForWorkspace returns the sessions registered under workspaceID.
func (m *Manager) SessionsForWorkspace(workspaceID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byWorkspace[workspaceID]
	out := make([]*Session, 0, len(set))
	for id := range set {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// All returns a snapshot of every live session, for the admin surface.
func (m *Manager) All() []domain.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	out := make([]domain.SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartHeartbeat launches the ping/timeout loop. On each tick it evicts and
// closes any session that has been pinged and has gone more than PingTimeout
// since its last pong (or since registration, if it never ponged), and pings
// every other session.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.heartbeatTick(ctx)
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat loop and waits for it to exit.
func (m *Manager) StopHeartbeat() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) heartbeatTick(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if s.isStale(m.cfg.PingTimeout) {
			slog.Warn("connmgr: session failed heartbeat, evicting", "session_id", s.ID)
			m.Unregister(s.ID)
			_ = s.Socket.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			continue
		}
		if err := s.Socket.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
			slog.Debug("connmgr: ping write failed", "session_id", s.ID, "error", err)
			continue
		}
		s.markPingSent()
	}
}

// MarkPong records a pong from sessionID, restarting its heartbeat-timeout
// clock.
func (m *Manager) MarkPong(sessionID string) {
	if s := m.Get(sessionID); s != nil {
		s.markPong()
	}
}
