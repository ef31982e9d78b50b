package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/raine/gemini-image-analyzer/internal/analysis"
)

// DefaultTTL is how long an untouched session is kept.
const DefaultTTL = 2 * time.Hour

// Manager keeps the live sessions, keyed by an opaque id.
type Manager struct {
	opts Options
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager. A non-positive ttl selects DefaultTTL.
func NewManager(opts Options, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		opts:     opts,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session with a fresh id.
func (m *Manager) Create() *Session {
	s := New(uuid.NewString(), m.opts)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	log.Debug().Str("sessionId", s.ID()).Msg("session created")
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating a new one (with a new id)
// when id is unknown. The bool reports whether a session was created.
func (m *Manager) GetOrCreate(id string) (*Session, bool) {
	if id != "" {
		if s, ok := m.Get(id); ok {
			return s, false
		}
	}
	return m.Create(), true
}

// Remove closes and forgets a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than the TTL. Sessions with an
// analysis in flight are kept. It returns the number of closed sessions.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) && s.State().Status != analysis.StatusAnalyzing {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
		log.Debug().Str("sessionId", s.ID()).Msg("expired idle session")
	}
	return len(expired)
}

// RunJanitor sweeps idle sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping session janitor")
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Info().Int("expired", n).Int("remaining", m.Len()).Msg("swept idle sessions")
			}
		}
	}
}

// CloseAll closes every session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}
