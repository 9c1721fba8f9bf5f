package quiz

import "sync"

// Registry is the process-wide session map. Sessions are created by hosts,
// looked up by joining students and the heartbeat monitor, and deleted when
// the host disconnects. Ids are unique among live sessions; a deleted id may
// be reused.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session under id. Fails with ErrDuplicateSession if
// the id is already live; generating the id is the caller's job so the
// transport layer controls the format.
func (r *Registry) Create(id, hostID, password string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, ErrDuplicateSession
	}

	session := NewSession(id, hostID, password)
	r.sessions[id] = session
	return session, nil
}

// Get returns the session for id, nil if none.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Delete removes the session; everything it owns goes with it.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Snapshot returns the live sessions at this instant. Background loops
// iterate the snapshot so sessions created or deleted mid-sweep don't race
// the map.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
