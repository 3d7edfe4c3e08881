// Package session provides the in-memory conversation store.
//
// Each session keeps an ordered, bounded history of user and assistant
// turns. History never exceeds twice the configured per-side length;
// the oldest turns are evicted on overflow. Sessions live from first
// chat until explicitly cleared or deleted.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMaxHistoryLength is the per-side turn budget.
const DefaultMaxHistoryLength = 10

// Turn is one history entry.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation. Turn operations are internally
// synchronized; Lock/Unlock additionally serialize whole chat requests
// targeting the same session.
type Session struct {
	id         string
	createdAt  time.Time
	maxHistory int

	chatMu sync.Mutex

	mu    sync.RWMutex
	turns []Turn
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Lock serializes chat requests on this session.
func (s *Session) Lock() { s.chatMu.Lock() }

// Unlock releases the chat serialization lock.
func (s *Session) Unlock() { s.chatMu.Unlock() }

// Append adds a turn, evicting the oldest entries when the history
// exceeds 2 x maxHistory.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})

	limit := 2 * s.maxHistory
	if len(s.turns) > limit {
		s.turns = s.turns[len(s.turns)-limit:]
	}
}

// History returns a copy of the turns in order.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the current history length.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Clear removes all turns but keeps the session alive.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// Store holds sessions by id.
type Store struct {
	maxHistory int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates a store with the given per-side history budget.
func NewStore(maxHistoryLength int) *Store {
	if maxHistoryLength <= 0 {
		maxHistoryLength = DefaultMaxHistoryLength
	}
	return &Store{
		maxHistory: maxHistoryLength,
		sessions:   make(map[string]*Session),
	}
}

// Create makes a new session with a fresh id.
func (st *Store) Create() *Session {
	return st.GetOrCreate("")
}

// Get returns an existing session.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with the given id, creating it (or a
// fresh one when id is empty) as needed.
func (st *Store) GetOrCreate(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if s, ok := st.sessions[id]; ok {
		return s
	}

	s := &Session{
		id:         id,
		createdAt:  time.Now(),
		maxHistory: st.maxHistory,
	}
	st.sessions[id] = s
	return s
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
