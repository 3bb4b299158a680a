package hls

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/stream"
)

// Session is one HLS viewer's virtual connection, keyed by the hls_ctx
// query parameter. HTTP requests are stateless; the session carries the
// viewer identity across playlist and segment fetches.
type Session struct {
	ID  string
	Cid coro.ContextId
	Req *stream.Request

	mu     sync.Mutex
	lastAt time.Time
}

// Touch refreshes the last-request timestamp.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastAt = now
	s.mu.Unlock()
}

// IdleSince reports the last request time.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt
}

// SessionManager owns the virtual connections and sweeps idle ones from a
// shared fast timer.
type SessionManager struct {
	idle  time.Duration
	clock coro.Clock

	// OnStop observes session expiry, for unhooking stats.
	OnStop func(s *Session)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a sweeper-backed session registry.
func NewSessionManager(idle time.Duration, clock coro.Clock) *SessionManager {
	if clock == nil {
		clock = coro.RealClock()
	}
	return &SessionManager{
		idle:     idle,
		clock:    clock,
		sessions: make(map[string]*Session),
	}
}

// FetchOrCreate returns the session for id, creating one when id is empty
// or unknown. Requests for the playlist land here.
func (m *SessionManager) FetchOrCreate(id string, req *stream.Request) *Session {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if s, ok := m.sessions[id]; ok {
			s.Touch(now)
			return s
		}
	}

	if id == "" {
		id = uuid.NewString()[:8]
	}
	s := &Session{
		ID:  id,
		Cid: coro.NewContextId(),
		Req: req.Copy(),
	}
	s.Touch(now)
	m.sessions[id] = s

	logger.Default().DebugCat(logger.DebugHLS, "hls session created",
		"id", id, "url", req.StreamURL())
	return s
}

// Validate authorizes a segment request against an existing session.
func (m *SessionManager) Validate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	s.Touch(m.clock.Now())
	return s
}

// Size returns the live session count.
func (m *SessionManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// OnTimer implements coro.FastTimerHandler: expire idle sessions and fire
// their stop hooks.
func (m *SessionManager) OnTimer(interval time.Duration) error {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if now.Sub(s.IdleSince()) > m.idle {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	stop := m.OnStop
	m.mu.Unlock()

	for _, s := range expired {
		logger.Info("hls session expired", "id", s.ID, "url", s.Req.StreamURL())
		if stop != nil {
			stop(s)
		}
	}
	return nil
}
